// Package interfaces defines service contracts for marketcore
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/marketcore/internal/models"
)

// Provider is one external market data source. Implementations render the
// canonical id into their own symbol form, pace themselves through the rate
// limiter and return provider-native frames. They never touch storage.
// Every failure is returned as a *common.ProviderError.
type Provider interface {
	Name() string

	// FetchLatest returns at least five recent daily rows.
	FetchLatest(ctx context.Context, assetID, market string) (*models.ProviderFrame, error)

	// FetchHistory returns daily bars over the range; a zero Start means max.
	FetchHistory(ctx context.Context, assetID, market string, rng models.HistoryRange) (*models.ProviderFrame, error)
}

// RateLimiter paces provider calls. Wait blocks until a call to provider for
// symbol may proceed; Backoff pauses the provider after a throttling reply.
type RateLimiter interface {
	Wait(ctx context.Context, provider, symbol string) error
	Backoff(provider string, d time.Duration)
}

// QuoteProvider can return a live intraday quote.
type QuoteProvider interface {
	FetchQuote(ctx context.Context, assetID, market string) (*models.ProviderFrame, error)
}

// FundamentalsProvider can return fiscal reports with YTD values.
type FundamentalsProvider interface {
	FetchFundamentals(ctx context.Context, assetID string) ([]models.FinancialReport, error)
}

// CorporateActionsProvider can return dividends and splits since a date.
// A zero since means full history.
type CorporateActionsProvider interface {
	FetchCorporateActions(ctx context.Context, assetID string, since time.Time) ([]models.Dividend, []models.Split, error)
}
