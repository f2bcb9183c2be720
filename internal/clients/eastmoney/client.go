// Package eastmoney provides a client for the Eastmoney quote and kline API.
package eastmoney

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/goccy/go-json"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

const (
	Name            = "eastmoney"
	DefaultBaseURL  = "https://push2his.eastmoney.com"
	DefaultQuoteURL = "https://push2.eastmoney.com"
	DefaultTimeout  = 10 * time.Second

	// latestRows is how many recent bars FetchLatest asks for.
	latestRows = 10
)

// klineColumns are the Chinese names of the f51..f61 kline fields, the
// column set the normalizer recognises for this source.
var klineColumns = []string{"日期", "开盘", "收盘", "最高", "最低", "成交量", "成交额", "振幅", "涨跌幅", "涨跌额", "换手率"}

// quoteFields maps snapshot field codes to column names.
var quoteFields = map[string]string{
	"f43":  "最新价",
	"f44":  "最高",
	"f45":  "最低",
	"f46":  "今开",
	"f47":  "成交量",
	"f48":  "成交额",
	"f60":  "昨收",
	"f86":  "时间",
	"f170": "涨跌幅",
}

// Client implements interfaces.Provider and interfaces.QuoteProvider.
type Client struct {
	baseURL    string
	quoteURL   string
	httpClient *http.Client
	limiter    interfaces.RateLimiter
	logger     *common.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the kline base URL
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithQuoteURL sets the snapshot quote base URL
func WithQuoteURL(u string) ClientOption {
	return func(c *Client) { c.quoteURL = strings.TrimRight(u, "/") }
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithLimiter paces requests through a shared rate limiter
func WithLimiter(l interfaces.RateLimiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// NewClient creates a new Eastmoney client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		quoteURL:   DefaultQuoteURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return Name }

// FetchLatest returns the most recent daily klines.
func (c *Client) FetchLatest(ctx context.Context, assetID, market string) (*models.ProviderFrame, error) {
	params := klineParams(assetID)
	params.Set("beg", "0")
	params.Set("end", "20500101")
	params.Set("lmt", fmt.Sprint(latestRows))
	return c.klines(ctx, assetID, market, models.PeriodDaily, params)
}

// FetchHistory returns daily klines over rng; a zero start fetches all.
func (c *Client) FetchHistory(ctx context.Context, assetID, market string, rng models.HistoryRange) (*models.ProviderFrame, error) {
	params := klineParams(assetID)
	params.Set("beg", "0")
	if !rng.IsMax() {
		params.Set("beg", rng.Start.Format("20060102"))
	}
	params.Set("end", "20500101")
	if !rng.End.IsZero() {
		params.Set("end", rng.End.Format("20060102"))
	}
	return c.klines(ctx, assetID, market, models.PeriodHistory, params)
}

func klineParams(assetID string) url.Values {
	params := url.Values{}
	params.Set("secid", symbols.Render(assetID, Name))
	params.Set("fields1", "f1,f2,f3,f4,f5,f6")
	params.Set("fields2", "f51,f52,f53,f54,f55,f56,f57,f58,f59,f60,f61")
	params.Set("klt", "101") // daily
	params.Set("fqt", "1")   // forward-adjusted
	return params
}

func (c *Client) klines(ctx context.Context, assetID, market, dataType string, params url.Values) (*models.ProviderFrame, error) {
	secid := params.Get("secid")
	var doc any
	if err := c.get(ctx, c.baseURL+"/api/qt/stock/kline/get", secid, params, &doc); err != nil {
		return nil, err
	}

	raw, err := jsonpath.Get("$.data.klines", doc)
	if err != nil {
		return nil, common.NewProviderError(Name, secid, 0, common.ErrEmptyResponse)
	}
	lines, _ := raw.([]any)
	if len(lines) == 0 {
		return nil, common.NewProviderError(Name, secid, 0, common.ErrEmptyResponse)
	}

	frame := &models.ProviderFrame{
		Source:   Name,
		DataType: dataType,
		Market:   market,
		Symbol:   secid,
		Columns:  klineColumns,
		Rows:     make([][]any, 0, len(lines)),
	}
	for _, line := range lines {
		s, ok := line.(string)
		if !ok {
			continue
		}
		fields := strings.Split(s, ",")
		row := make([]any, len(klineColumns))
		for i := range row {
			if i < len(fields) {
				row[i] = fields[i]
			}
		}
		frame.Rows = append(frame.Rows, row)
	}

	c.logger.Debug().Str("asset_id", assetID).Str("secid", secid).Int("rows", len(frame.Rows)).Msg("Eastmoney klines fetched")
	return frame, nil
}

// FetchQuote returns the live snapshot as a quote-only frame.
func (c *Client) FetchQuote(ctx context.Context, assetID, market string) (*models.ProviderFrame, error) {
	secid := symbols.Render(assetID, Name)
	codes := make([]string, 0, len(quoteFields))
	for code := range quoteFields {
		codes = append(codes, code)
	}
	params := url.Values{}
	params.Set("secid", secid)
	params.Set("fltt", "2") // decimals rather than scaled integers
	params.Set("fields", strings.Join(codes, ","))

	var doc any
	if err := c.get(ctx, c.quoteURL+"/api/qt/stock/get", secid, params, &doc); err != nil {
		return nil, err
	}
	data, err := jsonpath.Get("$.data", doc)
	fields, _ := data.(map[string]any)
	if err != nil || len(fields) == 0 {
		return nil, common.NewProviderError(Name, secid, 0, common.ErrEmptyResponse)
	}

	quote := make(map[string]any, len(quoteFields))
	for code, col := range quoteFields {
		if v, ok := fields[code]; ok && v != "-" {
			quote[col] = v
		}
	}
	if _, ok := quote["最新价"]; !ok {
		return nil, common.NewProviderError(Name, secid, 0, common.ErrEmptyResponse)
	}
	return &models.ProviderFrame{
		Source:   Name,
		DataType: models.PeriodMinute,
		Market:   market,
		Symbol:   secid,
		Quote:    quote,
	}, nil
}

// get performs a rate-limited GET and decodes the JSON body.
func (c *Client) get(ctx context.Context, endpoint, symbol string, params url.Values, result any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, Name, symbol); err != nil {
			return common.NewProviderError(Name, symbol, 0, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	reqURL := endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return common.NewProviderError(Name, symbol, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Referer", "https://quote.eastmoney.com/")

	c.logger.Debug().Str("url", endpoint).Str("secid", symbol).Msg("Eastmoney API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return common.NewProviderError(Name, symbol, 0, fmt.Errorf("failed to execute request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if c.limiter != nil {
			c.limiter.Backoff(Name, time.Minute)
		}
		return common.NewProviderError(Name, symbol, resp.StatusCode, common.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return common.NewProviderError(Name, symbol, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return common.NewProviderError(Name, symbol, 0, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

var (
	_ interfaces.Provider      = (*Client)(nil)
	_ interfaces.QuoteProvider = (*Client)(nil)
)
