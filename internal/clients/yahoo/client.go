// Package yahoo provides a client for the Yahoo Finance chart API.
package yahoo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

const (
	Name           = "yahoo"
	DefaultBaseURL = "https://query1.finance.yahoo.com"
	DefaultTimeout = 10 * time.Second
	userAgent      = "Mozilla/5.0 (compatible; marketcore)"
)

// chartColumns are the column names the normalizer recognises for this source.
var chartColumns = []string{"Date", "Open", "High", "Low", "Close", "Adj Close", "Volume"}

// Client implements interfaces.Provider, QuoteProvider and
// CorporateActionsProvider.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    interfaces.RateLimiter
	logger     *common.Logger
	now        func() time.Time
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
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

// NewClient creates a new Yahoo client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     common.NewSilentLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return Name }

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Meta       map[string]any `json:"meta"`
	Timestamp  []int64        `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*float64 `json:"volume"`
		} `json:"quote"`
		AdjClose []struct {
			AdjClose []*float64 `json:"adjclose"`
		} `json:"adjclose"`
	} `json:"indicators"`
	Events struct {
		Dividends map[string]struct {
			Amount float64 `json:"amount"`
			Date   int64   `json:"date"`
		} `json:"dividends"`
		Splits map[string]struct {
			Date        int64   `json:"date"`
			Numerator   float64 `json:"numerator"`
			Denominator float64 `json:"denominator"`
		} `json:"splits"`
	} `json:"events"`
}

// FetchLatest returns the last ten sessions of daily bars.
func (c *Client) FetchLatest(ctx context.Context, assetID, market string) (*models.ProviderFrame, error) {
	params := url.Values{}
	params.Set("range", "10d")
	params.Set("interval", "1d")
	return c.bars(ctx, assetID, market, models.PeriodDaily, params)
}

// FetchHistory returns daily bars over rng; a zero start fetches max.
func (c *Client) FetchHistory(ctx context.Context, assetID, market string, rng models.HistoryRange) (*models.ProviderFrame, error) {
	params := url.Values{}
	params.Set("interval", "1d")
	if rng.IsMax() {
		params.Set("range", "max")
	} else {
		end := rng.End
		if end.IsZero() {
			end = c.now()
		}
		params.Set("period1", strconv.FormatInt(rng.Start.Unix(), 10))
		params.Set("period2", strconv.FormatInt(end.Unix(), 10))
	}
	return c.bars(ctx, assetID, market, models.PeriodHistory, params)
}

// FetchQuote returns today's intraday meta as a quote frame.
func (c *Client) FetchQuote(ctx context.Context, assetID, market string) (*models.ProviderFrame, error) {
	sym := symbols.Render(assetID, Name)
	params := url.Values{}
	params.Set("range", "1d")
	params.Set("interval", "1m")
	res, err := c.chart(ctx, sym, params)
	if err != nil {
		return nil, err
	}
	quote := quoteFromMeta(res.Meta)
	if quote == nil {
		return nil, common.NewProviderError(Name, sym, 0, common.ErrEmptyResponse)
	}
	return &models.ProviderFrame{Source: Name, DataType: models.PeriodMinute, Market: market, Symbol: sym, Quote: quote}, nil
}

// quoteKeys are the chart meta fields carried into a quote.
var quoteKeys = []string{
	"regularMarketTime", "regularMarketPrice", "regularMarketDayHigh",
	"regularMarketDayLow", "regularMarketVolume", "chartPreviousClose",
}

func quoteFromMeta(meta map[string]any) map[string]any {
	if meta["regularMarketPrice"] == nil || meta["regularMarketTime"] == nil {
		return nil
	}
	quote := make(map[string]any, len(quoteKeys))
	for _, k := range quoteKeys {
		if v, ok := meta[k]; ok && v != nil {
			quote[k] = v
		}
	}
	return quote
}

// FetchCorporateActions returns dividends and splits since the given date.
func (c *Client) FetchCorporateActions(ctx context.Context, assetID string, since time.Time) ([]models.Dividend, []models.Split, error) {
	sym := symbols.Render(assetID, Name)
	params := url.Values{}
	params.Set("interval", "1d")
	params.Set("events", "div,split")
	if since.IsZero() {
		params.Set("range", "max")
	} else {
		params.Set("period1", strconv.FormatInt(since.Unix(), 10))
		params.Set("period2", strconv.FormatInt(c.now().Unix(), 10))
	}
	res, err := c.chart(ctx, sym, params)
	if err != nil {
		return nil, nil, err
	}

	loc := exchangeLocation(res.Meta)
	currency, _ := res.Meta["currency"].(string)

	divs := make([]models.Dividend, 0, len(res.Events.Dividends))
	for _, d := range res.Events.Dividends {
		divs = append(divs, models.Dividend{
			AssetID:  assetID,
			ExDate:   time.Unix(d.Date, 0).In(loc).Format(models.DateLayout),
			Amount:   d.Amount,
			Currency: currency,
			Source:   Name,
		})
	}
	sort.Slice(divs, func(i, j int) bool { return divs[i].ExDate < divs[j].ExDate })

	splits := make([]models.Split, 0, len(res.Events.Splits))
	for _, s := range res.Events.Splits {
		splits = append(splits, models.Split{
			AssetID:     assetID,
			Date:        time.Unix(s.Date, 0).In(loc).Format(models.DateLayout),
			Numerator:   s.Numerator,
			Denominator: s.Denominator,
			Source:      Name,
		})
	}
	sort.Slice(splits, func(i, j int) bool { return splits[i].Date < splits[j].Date })
	return divs, splits, nil
}

func exchangeLocation(meta map[string]any) *time.Location {
	if name, ok := meta["exchangeTimezoneName"].(string); ok {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

func (c *Client) bars(ctx context.Context, assetID, market, dataType string, params url.Values) (*models.ProviderFrame, error) {
	sym := symbols.Render(assetID, Name)
	params.Set("events", "div,split")
	res, err := c.chart(ctx, sym, params)
	if err != nil {
		return nil, err
	}
	if len(res.Timestamp) == 0 || len(res.Indicators.Quote) == 0 {
		return nil, common.NewProviderError(Name, sym, 0, common.ErrEmptyResponse)
	}

	q := res.Indicators.Quote[0]
	var adj []*float64
	if len(res.Indicators.AdjClose) > 0 {
		adj = res.Indicators.AdjClose[0].AdjClose
	}
	at := func(series []*float64, i int) any {
		if i < len(series) && series[i] != nil {
			return *series[i]
		}
		return nil
	}

	frame := &models.ProviderFrame{
		Source:   Name,
		DataType: dataType,
		Market:   market,
		Symbol:   sym,
		Columns:  chartColumns,
		Rows:     make([][]any, 0, len(res.Timestamp)),
		Quote:    quoteFromMeta(res.Meta),
	}
	for i, ts := range res.Timestamp {
		// null close marks a session with no trades
		if at(q.Close, i) == nil {
			continue
		}
		frame.Rows = append(frame.Rows, []any{
			ts, at(q.Open, i), at(q.High, i), at(q.Low, i), at(q.Close, i), at(adj, i), at(q.Volume, i),
		})
	}
	if len(frame.Rows) == 0 {
		return nil, common.NewProviderError(Name, sym, 0, common.ErrEmptyResponse)
	}

	c.logger.Debug().Str("asset_id", assetID).Str("symbol", sym).Int("rows", len(frame.Rows)).Msg("Yahoo chart fetched")
	return frame, nil
}

// chart performs a rate-limited chart request and returns its only result.
func (c *Client) chart(ctx context.Context, sym string, params url.Values) (*chartResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, Name, sym); err != nil {
			return nil, common.NewProviderError(Name, sym, 0, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	endpoint := c.baseURL + "/v8/finance/chart/" + url.PathEscape(sym)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, common.NewProviderError(Name, sym, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)

	c.logger.Debug().Str("url", endpoint).Msg("Yahoo API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.NewProviderError(Name, sym, 0, fmt.Errorf("failed to execute request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if c.limiter != nil {
			c.limiter.Backoff(Name, retryAfter(resp.Header.Get("Retry-After")))
		}
		return nil, common.NewProviderError(Name, sym, resp.StatusCode, common.ErrRateLimited)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.NewProviderError(Name, sym, resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}
	var out chartResponse
	decodeErr := json.Unmarshal(body, &out)
	if out.Chart.Error != nil {
		return nil, common.NewProviderError(Name, sym, resp.StatusCode,
			fmt.Errorf("%s: %s", out.Chart.Error.Code, out.Chart.Error.Description))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, common.NewProviderError(Name, sym, resp.StatusCode, fmt.Errorf("unexpected status"))
	}
	if decodeErr != nil {
		return nil, common.NewProviderError(Name, sym, 0, fmt.Errorf("failed to decode response: %w", decodeErr))
	}
	if len(out.Chart.Result) == 0 {
		return nil, common.NewProviderError(Name, sym, 0, common.ErrEmptyResponse)
	}
	return &out.Chart.Result[0], nil
}

// retryAfter parses a Retry-After seconds header, defaulting to a minute.
func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Minute
}

var (
	_ interfaces.Provider                 = (*Client)(nil)
	_ interfaces.QuoteProvider            = (*Client)(nil)
	_ interfaces.CorporateActionsProvider = (*Client)(nil)
)
