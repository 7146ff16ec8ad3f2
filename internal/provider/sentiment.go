package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
)

// Sentiment score cutoffs for a directional vote.
const (
	sentimentLongAbove  = 0.2
	sentimentShortBelow = -0.2
)

// sentimentResponse is the upstream feed's payload.
type sentimentResponse struct {
	Symbol     string    `json:"symbol"`
	Score      float64   `json:"score"`      // -1.0 .. 1.0
	Confidence float64   `json:"confidence"` // 0 .. 100
	AsOf       time.Time `json:"as_of"`
}

// SentimentProvider is a SENTIMENT provider backed by an HTTP JSON feed.
type SentimentProvider struct {
	id         string
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewSentimentProvider creates a sentiment provider for the given feed.
func NewSentimentProvider(id, baseURL string, timeout time.Duration) *SentimentProvider {
	return &SentimentProvider{
		id:         id,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        config.NewProviderLogger(id, string(market.KindSentiment)),
	}
}

// ID returns the provider instance identifier.
func (p *SentimentProvider) ID() string { return p.id }

// Kind returns SENTIMENT.
func (p *SentimentProvider) Kind() market.ProviderKind { return market.KindSentiment }

// SupportsAssetClass reports support for all classes; sentiment feeds are
// symbol-keyed, not class-keyed.
func (p *SentimentProvider) SupportsAssetClass(market.AssetClass) bool { return true }

// Fetch queries the feed and maps the score onto a directional vote.
func (p *SentimentProvider) Fetch(ctx context.Context, symbol market.Symbol) (market.ProviderSignal, error) {
	endpoint := fmt.Sprintf("%s/sentiment?symbol=%s", p.baseURL, url.QueryEscape(symbol.Ticker))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return market.ProviderSignal{}, NewError(p.id, ErrMalformed, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return market.ProviderSignal{}, NewError(p.id, ErrTimeout, err)
		}
		return market.ProviderSignal{}, NewError(p.id, ErrUpstream5xx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return market.ProviderSignal{}, NewError(p.id, ErrRateLimited,
			fmt.Errorf("feed returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return market.ProviderSignal{}, NewError(p.id, ErrAuth,
			fmt.Errorf("feed returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return market.ProviderSignal{}, NewError(p.id, ErrUnsupportedSymbol,
			fmt.Errorf("feed has no data for %s", symbol.Ticker))
	case resp.StatusCode >= 500:
		return market.ProviderSignal{}, NewError(p.id, ErrUpstream5xx,
			fmt.Errorf("feed returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return market.ProviderSignal{}, NewError(p.id, ErrMalformed,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var payload sentimentResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return market.ProviderSignal{}, NewError(p.id, ErrMalformed,
			fmt.Errorf("failed to decode sentiment payload: %w", err))
	}

	direction := market.DirectionNeutral
	switch {
	case payload.Score >= sentimentLongAbove:
		direction = market.DirectionLong
	case payload.Score <= sentimentShortBelow:
		direction = market.DirectionShort
	}

	fetchedAt := payload.AsOf
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	p.log.Debug().
		Str("symbol", symbol.Ticker).
		Float64("score", payload.Score).
		Str("direction", string(direction)).
		Msg("Sentiment fetched")

	return market.ProviderSignal{
		FetchedAt:  fetchedAt,
		Direction:  direction,
		Confidence: payload.Confidence,
	}, nil
}
