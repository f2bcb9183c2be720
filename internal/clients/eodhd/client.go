// Package eodhd provides a client for the EODHD API
package eodhd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/bobmcallan/marketcore/internal/common"
	"github.com/bobmcallan/marketcore/internal/interfaces"
	"github.com/bobmcallan/marketcore/internal/models"
	"github.com/bobmcallan/marketcore/internal/symbols"
)

// flexFloat64 handles JSON values that may be either a number or a string.
type flexFloat64 float64

func (f *flexFloat64) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*f = flexFloat64(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" || s == "N/A" || s == "NA" {
			*f = 0
			return nil
		}
		num, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat64(num)
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into float64", string(data))
}

const (
	Name           = "eodhd"
	DefaultBaseURL = "https://eodhd.com/api"
	DefaultTimeout = 30 * time.Second

	// latestWindow covers at least five sessions across long holidays
	latestWindow = 14 * 24 * time.Hour
)

var eodColumns = []string{"date", "open", "high", "low", "close", "adjusted_close", "volume"}

// Client implements interfaces.Provider, QuoteProvider, FundamentalsProvider
// and CorporateActionsProvider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *common.Logger
	limiter    interfaces.RateLimiter
	now        func() time.Time
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithLimiter paces requests through a shared rate limiter
func WithLimiter(l interfaces.RateLimiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new EODHD client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: common.NewSilentLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Client) Name() string { return Name }

// APIError represents an API error
type APIError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("EODHD API error: %s (status: %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// get performs a rate-limited GET request. Every failure is a ProviderError.
func (c *Client) get(ctx context.Context, sym, path string, params url.Values, result interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, Name, sym); err != nil {
			return common.NewProviderError(Name, sym, 0, fmt.Errorf("rate limit wait: %w", err))
		}
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("api_token", c.apiKey)
	params.Set("fmt", "json")

	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return common.NewProviderError(Name, sym, 0, fmt.Errorf("failed to create request: %w", err))
	}

	c.logger.Debug().Str("url", c.baseURL+path).Msg("EODHD API request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return common.NewProviderError(Name, sym, 0, fmt.Errorf("failed to execute request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if c.limiter != nil {
			c.limiter.Backoff(Name, time.Minute)
		}
		return common.NewProviderError(Name, sym, resp.StatusCode, common.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return common.NewProviderError(Name, sym, resp.StatusCode, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Endpoint:   path,
		})
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return common.NewProviderError(Name, sym, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// eodBarResponse represents a single bar from the API
type eodBarResponse struct {
	Date          string      `json:"date"`
	Open          flexFloat64 `json:"open"`
	High          flexFloat64 `json:"high"`
	Low           flexFloat64 `json:"low"`
	Close         flexFloat64 `json:"close"`
	AdjustedClose flexFloat64 `json:"adjusted_close"`
	Volume        flexFloat64 `json:"volume"`
}

// FetchLatest returns the daily bars of the last two weeks.
func (c *Client) FetchLatest(ctx context.Context, assetID, market string) (*models.ProviderFrame, error) {
	from := c.now().Add(-latestWindow)
	return c.eod(ctx, assetID, market, models.PeriodDaily, from, time.Time{})
}

// FetchHistory returns daily bars over rng; a zero start fetches everything.
func (c *Client) FetchHistory(ctx context.Context, assetID, market string, rng models.HistoryRange) (*models.ProviderFrame, error) {
	return c.eod(ctx, assetID, market, models.PeriodHistory, rng.Start, rng.End)
}

func (c *Client) eod(ctx context.Context, assetID, market, dataType string, from, to time.Time) (*models.ProviderFrame, error) {
	sym := symbols.Render(assetID, Name)

	params := url.Values{}
	params.Set("period", "d")
	params.Set("order", "a")
	if !from.IsZero() {
		params.Set("from", from.Format(models.DateLayout))
	}
	if !to.IsZero() {
		params.Set("to", to.Format(models.DateLayout))
	}

	var bars []eodBarResponse
	if err := c.get(ctx, sym, "/eod/"+sym, params, &bars); err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, common.NewProviderError(Name, sym, 0, common.ErrEmptyResponse)
	}

	frame := &models.ProviderFrame{
		Source:   Name,
		DataType: dataType,
		Market:   market,
		Symbol:   sym,
		Columns:  eodColumns,
		Rows:     make([][]any, len(bars)),
	}
	for i, b := range bars {
		frame.Rows[i] = []any{
			b.Date, float64(b.Open), float64(b.High), float64(b.Low),
			float64(b.Close), float64(b.AdjustedClose), float64(b.Volume),
		}
	}
	return frame, nil
}

// quoteKeys are the real-time fields carried into a quote frame.
var quoteKeys = []string{"timestamp", "open", "high", "low", "close", "volume", "previousClose", "change", "change_p"}

// FetchQuote retrieves the delayed real-time quote.
func (c *Client) FetchQuote(ctx context.Context, assetID, market string) (*models.ProviderFrame, error) {
	sym := symbols.Render(assetID, Name)

	var raw map[string]any
	if err := c.get(ctx, sym, "/real-time/"+sym, nil, &raw); err != nil {
		return nil, err
	}

	quote := make(map[string]any, len(quoteKeys))
	for _, k := range quoteKeys {
		// "NA" marks fields the exchange has not published yet
		if v, ok := raw[k].(float64); ok {
			quote[k] = v
		}
	}
	if _, ok := quote["close"]; !ok {
		return nil, common.NewProviderError(Name, sym, 0, common.ErrEmptyResponse)
	}
	if _, ok := quote["timestamp"]; !ok {
		return nil, common.NewProviderError(Name, sym, 0, common.ErrEmptyResponse)
	}

	return &models.ProviderFrame{Source: Name, DataType: models.PeriodMinute, Market: market, Symbol: sym, Quote: quote}, nil
}

type dividendResponse struct {
	Date        string      `json:"date"`
	PaymentDate string      `json:"paymentDate"`
	Value       flexFloat64 `json:"value"`
	Currency    string      `json:"currency"`
}

type splitResponse struct {
	Date  string `json:"date"`
	Split string `json:"split"`
}

// FetchCorporateActions retrieves dividends and splits since the given date.
func (c *Client) FetchCorporateActions(ctx context.Context, assetID string, since time.Time) ([]models.Dividend, []models.Split, error) {
	sym := symbols.Render(assetID, Name)

	params := url.Values{}
	if !since.IsZero() {
		params.Set("from", since.Format(models.DateLayout))
	}

	var divResp []dividendResponse
	if err := c.get(ctx, sym, "/div/"+sym, params, &divResp); err != nil {
		return nil, nil, err
	}
	var splitResp []splitResponse
	if err := c.get(ctx, sym, "/splits/"+sym, params, &splitResp); err != nil {
		return nil, nil, err
	}

	divs := make([]models.Dividend, 0, len(divResp))
	for _, d := range divResp {
		if d.Date == "" || d.Value <= 0 {
			continue
		}
		divs = append(divs, models.Dividend{
			AssetID:  assetID,
			ExDate:   d.Date,
			PayDate:  d.PaymentDate,
			Amount:   float64(d.Value),
			Currency: d.Currency,
			Source:   Name,
		})
	}

	splits := make([]models.Split, 0, len(splitResp))
	for _, s := range splitResp {
		num, den, err := parseSplit(s.Split)
		if err != nil {
			c.logger.Warn().Str("symbol", sym).Str("split", s.Split).Msg("Skipping malformed split")
			continue
		}
		splits = append(splits, models.Split{
			AssetID:     assetID,
			Date:        s.Date,
			Numerator:   num,
			Denominator: den,
			Source:      Name,
		})
	}
	return divs, splits, nil
}

// parseSplit reads "4.000000/1.000000".
func parseSplit(s string) (float64, float64, error) {
	a, b, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("split %q has no ratio", s)
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return 0, 0, err
	}
	den, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil || den == 0 {
		return 0, 0, fmt.Errorf("split %q has no denominator", s)
	}
	return num, den, nil
}

var (
	_ interfaces.Provider                 = (*Client)(nil)
	_ interfaces.QuoteProvider            = (*Client)(nil)
	_ interfaces.FundamentalsProvider     = (*Client)(nil)
	_ interfaces.CorporateActionsProvider = (*Client)(nil)
)
