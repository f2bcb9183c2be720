package surrealdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	surreal "github.com/surrealdb/surrealdb.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bobmcallan/marketcore/internal/common"
)

var (
	containerOnce sync.Once
	containerAddr string
	containerErr  error
)

// startSurrealDB starts one SurrealDB container per test process.
func startSurrealDB(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("SurrealDB container tests skipped in -short mode")
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		req := testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--user", "root", "--pass", "root"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("8000/tcp"),
				wait.ForLog("Started web server"),
			).WithDeadline(60 * time.Second),
		}
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			containerErr = fmt.Errorf("start SurrealDB container: %w", err)
			return
		}
		host, err := container.Host(ctx)
		if err != nil {
			containerErr = fmt.Errorf("get SurrealDB host: %w", err)
			return
		}
		port, err := container.MappedPort(ctx, "8000/tcp")
		if err != nil {
			containerErr = fmt.Errorf("get SurrealDB port: %w", err)
			return
		}
		containerAddr = fmt.Sprintf("ws://%s:%s/rpc", host, port.Port())
	})

	if containerErr != nil {
		t.Fatalf("SurrealDB container failed: %v", containerErr)
	}
	return containerAddr
}

// testDB connects to the shared container using a database unique to the
// test.
func testDB(t *testing.T) *surreal.DB {
	t.Helper()
	addr := startSurrealDB(t)

	sanitized := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := Connect(context.Background(), common.SurrealDBConfig{
		Address:   addr,
		Namespace: "marketcore_test",
		Database:  fmt.Sprintf("t_%s_%d", sanitized, time.Now().UnixNano()%100000),
		Username:  "root",
		Password:  "root",
	}, common.NewSilentLogger())
	if err != nil {
		t.Fatalf("connect to SurrealDB: %v", err)
	}
	t.Cleanup(func() {
		db.Close(context.Background())
	})
	return db
}
