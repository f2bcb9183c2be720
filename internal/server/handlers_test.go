package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/marketcore/internal/app"
	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
)

var (
	saturday = time.Date(2024, 6, 8, 14, 0, 0, 0, time.UTC)
	monday   = time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC)
)

var weekRows = [][]any{
	{"2024-06-03", 192.9, 194.99, 192.52, 194.03, 50080500},
	{"2024-06-04", 194.64, 195.32, 193.03, 194.35, 47471400},
	{"2024-06-05", 195.4, 196.9, 194.87, 195.87, 54156800},
	{"2024-06-06", 195.69, 196.5, 194.17, 194.48, 41181800},
	{"2024-06-07", 194.65, 196.94, 194.14, 196.89, 53103900},
}

func frame(dataType string, rows ...[]any) *models.ProviderFrame {
	return &models.ProviderFrame{
		Source: "yahoo", DataType: dataType, Market: "US",
		Columns: []string{"Date", "Open", "High", "Low", "Close", "Volume"},
		Rows:    rows,
	}
}

// stubProvider serves a fixed week and counts calls.
type stubProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *stubProvider) Name() string { return "yahoo" }

func (p *stubProvider) hit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *stubProvider) FetchLatest(context.Context, string, string) (*models.ProviderFrame, error) {
	if err := p.hit(); err != nil {
		return nil, err
	}
	rows := append(append([][]any{}, weekRows[1:]...), []any{"2024-06-10", 196.9, 197.3, 192.15, 193.12, 97010200})
	return frame(models.PeriodDaily, rows...), nil
}

func (p *stubProvider) FetchHistory(context.Context, string, string, models.HistoryRange) (*models.ProviderFrame, error) {
	if err := p.hit(); err != nil {
		return nil, err
	}
	return frame(models.PeriodHistory, weekRows...), nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type testServer struct {
	srv      *Server
	app      *app.App
	provider *stubProvider
	clock    *testClock
}

// newTestServer builds a full app on in-memory sqlite with AAPL backfilled.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	cfg := common.NewDefaultConfig()
	cfg.Environment = "test"
	cfg.Storage.DSN = fmt.Sprintf("file:server_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	cfg.Storage.MaxOpenConns = 1
	cfg.Providers = common.NewDefaultProvidersConfig()
	cfg.Providers.Preferences["US"] = map[string][]string{
		common.KindDaily:  {"yahoo"},
		common.KindMinute: {"yahoo"},
	}

	clk := &testClock{t: saturday}
	provider := &stubProvider{}
	a, err := app.New(ctx, cfg, nil, app.WithProviders(provider), app.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	_, err = a.Storage.AssetStorage().SaveAssets(ctx, []models.Asset{
		{AssetID: "US:STOCK:AAPL", Name: "Apple", Market: "US", AssetType: models.TypeStock, Currency: "USD"},
	}, interfaces.ConflictUpsert)
	require.NoError(t, err)
	out, err := a.Fetcher.Backfill(ctx, "US:STOCK:AAPL", "US", 0)
	require.NoError(t, err)
	require.NoError(t, out.Err)

	return &testServer{srv: NewServer(a), app: a, provider: provider, clock: clk}
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.get(t, "/api/health")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rr)["status"])
	assert.NotEmpty(t, rr.Header().Get("X-Correlation-ID"))

	rr = ts.get(t, "/api/version")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, common.CurrentBuild().Version, decode[map[string]string](t, rr)["version"])
}

func TestSnapshot_Stored(t *testing.T) {
	ts := newTestServer(t)
	calls := ts.provider.callCount()

	rr := ts.get(t, "/api/snapshots/aapl")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[SnapshotResponse](t, rr)
	assert.Equal(t, "US:STOCK:AAPL", resp.AssetID)
	assert.Equal(t, "stored", resp.Reason)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, 196.89, resp.Snapshot.Close)
	assert.Equal(t, calls, ts.provider.callCount())
}

func TestSnapshot_RefreshIsDebouncedWhenClosed(t *testing.T) {
	ts := newTestServer(t)
	calls := ts.provider.callCount()

	rr := ts.get(t, "/api/snapshots/US:STOCK:AAPL?refresh=1&force=1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[SnapshotResponse](t, rr)
	assert.Equal(t, 0, resp.ProviderCalls)
	assert.Equal(t, calls, ts.provider.callCount())
}

func TestSnapshot_RefreshWhenOpen(t *testing.T) {
	ts := newTestServer(t)
	ts.clock.Set(monday)

	rr := ts.get(t, "/api/snapshots/AAPL?refresh=1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[SnapshotResponse](t, rr)
	assert.Equal(t, "yahoo", resp.Source)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, 193.12, resp.Snapshot.Close)
}

func TestSnapshot_ProviderFailureKeepsPrevious(t *testing.T) {
	ts := newTestServer(t)
	ts.clock.Set(monday)
	ts.provider.err = common.NewProviderError("yahoo", "AAPL", 500, fmt.Errorf("upstream"))

	rr := ts.get(t, "/api/snapshots/AAPL?refresh=1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[SnapshotResponse](t, rr)
	assert.NotEmpty(t, resp.Error)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, 196.89, resp.Snapshot.Close)
}

func TestSnapshot_Errors(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.get(t, "/api/snapshots/MSFT")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.get(t, "/api/snapshots/")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/snapshots/AAPL", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSnapshot_RefreshRejectsUnregisteredAsset(t *testing.T) {
	ts := newTestServer(t)
	ts.clock.Set(monday)
	calls := ts.provider.callCount()

	// TSLA resolves heuristically but was never added
	rr := ts.get(t, "/api/snapshots/TSLA?refresh=1")
	assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
	assert.Equal(t, calls, ts.provider.callCount())

	bars, err := ts.app.Storage.HistoryStorage().AllBars(context.Background(), "US:STOCK:TSLA")
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.get(t, "/api/history/AAPL?start=2024-06-04&end=2024-06-06")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[HistoryResponse](t, rr)
	assert.Equal(t, "US:STOCK:AAPL", resp.AssetID)
	assert.Equal(t, 3, resp.Count)
	require.Len(t, resp.Bars, 3)
	assert.Equal(t, "2024-06-04", resp.Bars[0].Date())

	rr = ts.get(t, "/api/history/AAPL")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, decode[HistoryResponse](t, rr).Count)

	rr = ts.get(t, "/api/history/AAPL?start=June")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.get(t, "/api/history/US:STOCK:NVDA")
	require.Equal(t, http.StatusOK, rr.Code)
	resp = decode[HistoryResponse](t, rr)
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Bars)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "marketcore_provider_calls_total")
}

func TestShutdownEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ch := make(chan struct{}, 1)
	ts.srv.SetShutdownChannel(ch)

	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/shutdown", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown was not signalled")
	}

	ts.app.Config.Environment = "production"
	rr = httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/shutdown", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
