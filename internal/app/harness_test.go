package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
)

var (
	// Saturday 10:00 New York
	saturday = time.Date(2024, 6, 8, 14, 0, 0, 0, time.UTC)
	// Monday 10:00 New York
	monday = time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC)
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var weekRows = [][]any{
	{"2024-06-03", 192.9, 194.99, 192.52, 194.03, 50080500},
	{"2024-06-04", 194.64, 195.32, 193.03, 194.35, 47471400},
	{"2024-06-05", 195.4, 196.9, 194.87, 195.87, 54156800},
	{"2024-06-06", 195.69, 196.5, 194.17, 194.48, 41181800},
	{"2024-06-07", 194.65, 196.94, 194.14, 196.89, 53103900},
}

func yahooFrame(dataType string, rows ...[]any) *models.ProviderFrame {
	return &models.ProviderFrame{
		Source: "yahoo", DataType: dataType, Market: "US",
		Columns: []string{"Date", "Open", "High", "Low", "Close", "Volume"},
		Rows:    rows,
	}
}

// fakeProvider serves canned frames and counts calls per method. It has no
// FetchQuote, so minute fetches go through FetchLatest.
type fakeProvider struct {
	name    string
	latest  *models.ProviderFrame
	history *models.ProviderFrame
	reports []models.FinancialReport
	divs    []models.Dividend

	mu    sync.Mutex
	err   error
	calls map[string]int
}

func newFake(name string) *fakeProvider {
	return &fakeProvider{name: name, calls: map[string]int{}}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) count(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	return f.err
}

func (f *fakeProvider) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeProvider) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeProvider) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeProvider) FetchLatest(_ context.Context, assetID, _ string) (*models.ProviderFrame, error) {
	if err := f.count("latest"); err != nil {
		return nil, err
	}
	return f.latest, nil
}

func (f *fakeProvider) FetchHistory(_ context.Context, assetID, _ string, _ models.HistoryRange) (*models.ProviderFrame, error) {
	if err := f.count("history"); err != nil {
		return nil, err
	}
	return f.history, nil
}

func (f *fakeProvider) FetchFundamentals(_ context.Context, assetID string) ([]models.FinancialReport, error) {
	if err := f.count("fundamentals"); err != nil {
		return nil, err
	}
	out := make([]models.FinancialReport, len(f.reports))
	for i, r := range f.reports {
		r.AssetID = assetID
		out[i] = r
	}
	return out, nil
}

func (f *fakeProvider) FetchCorporateActions(_ context.Context, assetID string, _ time.Time) ([]models.Dividend, []models.Split, error) {
	if err := f.count("actions"); err != nil {
		return nil, nil, err
	}
	out := make([]models.Dividend, len(f.divs))
	for i, d := range f.divs {
		d.AssetID = assetID
		out[i] = d
	}
	return out, nil, nil
}

// newYahoo returns a fake serving a week of AAPL-like history.
func newYahoo() *fakeProvider {
	f := newFake("yahoo")
	f.history = yahooFrame(models.PeriodHistory, weekRows...)
	f.latest = yahooFrame(models.PeriodDaily, append(weekRows[1:], []any{"2024-06-10", 196.9, 197.3, 192.15, 193.12, 97010200})...)
	f.divs = []models.Dividend{{ExDate: "2024-05-10", Amount: 0.25, Currency: "USD", Source: "yahoo"}}
	return f
}

func newEODHD() *fakeProvider {
	f := newFake("eodhd")
	f.reports = []models.FinancialReport{
		{ReportDate: "2023-12-31", ReportType: models.ReportAnnual, EPS: null.FloatFrom(6.13), Currency: "USD", Source: "eodhd"},
	}
	return f
}

type testEnv struct {
	app   *App
	clock *clock
}

func testConfig(t *testing.T) *common.Config {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg := common.NewDefaultConfig()
	cfg.Storage.DSN = fmt.Sprintf("file:app_%s?mode=memory&cache=shared", name)
	cfg.Storage.MaxOpenConns = 1
	cfg.Scheduler.Concurrency = 2
	cfg.Scheduler.Jitter = "0s"
	cfg.History.DefaultYears = 2
	cfg.Providers = common.NewDefaultProvidersConfig()
	cfg.Providers.Preferences["US"] = map[string][]string{
		common.KindDaily:            {"yahoo"},
		common.KindMinute:           {"yahoo"},
		common.KindFundamentals:     {"eodhd"},
		common.KindCorporateActions: {"yahoo"},
	}
	return cfg
}

func newTestEnv(t *testing.T, cfg *common.Config, providers ...interfaces.Provider) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	clk := &clock{t: saturday}
	a, err := New(context.Background(), cfg, nil, WithProviders(providers...), WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return &testEnv{app: a, clock: clk}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeTo(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
