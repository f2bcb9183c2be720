package eastmoney

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/models"
)

const klineBody = `{"rc":0,"data":{"code":"600519","market":1,"name":"贵州茅台","klines":[
"2024-01-02,1715.00,1685.01,1718.19,1678.10,32156,5434041856.00,2.33,-1.74,-29.79,0.26",
"2024-01-03,1681.11,1694.00,1695.22,1676.33,20325,3432605440.00,1.12,0.53,8.99,0.16"]}}`

type recordingLimiter struct {
	waits    []string
	backoffs int
}

func (r *recordingLimiter) Wait(_ context.Context, provider, symbol string) error {
	r.waits = append(r.waits, provider+"|"+symbol)
	return nil
}

func (r *recordingLimiter) Backoff(string, time.Duration) { r.backoffs++ }

func TestFetchHistory_ParsesKlines(t *testing.T) {
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/qt/stock/kline/get" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		query = map[string]string{
			"secid": r.URL.Query().Get("secid"),
			"beg":   r.URL.Query().Get("beg"),
			"klt":   r.URL.Query().Get("klt"),
		}
		w.Write([]byte(klineBody))
	}))
	defer srv.Close()

	limiter := &recordingLimiter{}
	client := NewClient(WithBaseURL(srv.URL), WithLimiter(limiter))
	rng := models.HistoryRange{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	frame, err := client.FetchHistory(context.Background(), "CN:STOCK:600519", "CN", rng)
	if err != nil {
		t.Fatalf("FetchHistory failed: %v", err)
	}

	if query["secid"] != "1.600519" {
		t.Errorf("expected secid 1.600519, got %s", query["secid"])
	}
	if query["beg"] != "20240101" {
		t.Errorf("expected beg 20240101, got %s", query["beg"])
	}
	if query["klt"] != "101" {
		t.Errorf("expected daily klt, got %s", query["klt"])
	}
	if len(limiter.waits) != 1 || limiter.waits[0] != "eastmoney|1.600519" {
		t.Errorf("expected one limiter wait, got %v", limiter.waits)
	}
	if frame.Source != Name || frame.DataType != models.PeriodHistory {
		t.Errorf("unexpected frame metadata %s/%s", frame.Source, frame.DataType)
	}
	if len(frame.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(frame.Rows))
	}
	if frame.Columns[2] != "收盘" || frame.Rows[0][2] != "1685.01" {
		t.Errorf("expected close column 收盘=1685.01, got %v=%v", frame.Columns[2], frame.Rows[0][2])
	}
	if frame.Rows[1][0] != "2024-01-03" {
		t.Errorf("expected second row dated 2024-01-03, got %v", frame.Rows[1][0])
	}
}

func TestFetchLatest_NullDataIsEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rc":0,"data":null}`))
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).FetchLatest(context.Background(), "CN:STOCK:999999", "CN")
	var perr *common.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if !errors.Is(err, common.ErrEmptyResponse) {
		t.Errorf("expected empty response reason, got %v", perr.Err)
	}
}

func TestFetchLatest_RateLimitedBacksOff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	limiter := &recordingLimiter{}
	_, err := NewClient(WithBaseURL(srv.URL), WithLimiter(limiter)).FetchLatest(context.Background(), "CN:STOCK:600519", "CN")
	if !errors.Is(err, common.ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if limiter.backoffs != 1 {
		t.Errorf("expected one backoff, got %d", limiter.backoffs)
	}
}

func TestFetchLatest_ServerErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).FetchLatest(context.Background(), "CN:STOCK:600519", "CN")
	var perr *common.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Status != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", perr.Status)
	}
}

func TestFetchQuote_MapsFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fltt") != "2" {
			t.Errorf("expected fltt=2")
		}
		w.Write([]byte(`{"rc":0,"data":{"f43":1702.5,"f44":1710.0,"f45":1690.0,"f46":1695.0,"f47":12000,"f48":2.04e9,"f60":1694.0,"f86":1704262200,"f170":0.5}}`))
	}))
	defer srv.Close()

	frame, err := NewClient(WithQuoteURL(srv.URL)).FetchQuote(context.Background(), "CN:STOCK:600519", "CN")
	if err != nil {
		t.Fatalf("FetchQuote failed: %v", err)
	}
	if frame.Quote["最新价"] != 1702.5 {
		t.Errorf("expected price 1702.5, got %v", frame.Quote["最新价"])
	}
	if frame.Quote["昨收"] != 1694.0 {
		t.Errorf("expected prev close 1694, got %v", frame.Quote["昨收"])
	}
	if _, ok := frame.Quote["时间"]; !ok {
		t.Errorf("expected quote time")
	}
}

func TestFetchQuote_DashPriceIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rc":0,"data":{"f43":"-","f86":1704262200}}`))
	}))
	defer srv.Close()

	_, err := NewClient(WithQuoteURL(srv.URL)).FetchQuote(context.Background(), "CN:STOCK:600519", "CN")
	if !errors.Is(err, common.ErrEmptyResponse) {
		t.Fatalf("expected empty response, got %v", err)
	}
}
