package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-alert-engine/internal/ingest"
	"price-alert-engine/internal/scheduler"
)

// Sink receives fetched observations; satisfied by the engine.
type Sink interface {
	Submit(obs ingest.Observation) error
}

// Options parameterise the quote poller.
type Options struct {
	BaseURL   string
	APIKey    string
	Symbols   []string
	Interval  time.Duration
	Timeout   time.Duration
	UserAgent string
}

// Poller fetches quotes for a fixed watchlist on an aligned interval and
// submits them to the engine. It is the in-repo implementation of the
// upstream price collaborator; the engine only sees its Sink calls.
type Poller struct {
	opts    Options
	client  *http.Client
	sink    Sink
	logger  zerolog.Logger
	baseURL string
}

// NewPoller constructs a quote poller.
func NewPoller(opts Options, sink Sink, logger zerolog.Logger) *Poller {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://www.alphavantage.co/query"
	}

	return &Poller{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		sink:    sink,
		logger:  logger.With().Str("component", "quote_poller").Logger(),
		baseURL: baseURL,
	}
}

// Run blocks, polling every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if p.opts.Interval <= 0 {
		return errors.New("poll interval must be positive")
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     p.opts.Interval,
		AlignToStart: true,
	}, p.logger)

	return sched.Run(ctx, func(tickCtx context.Context, tick time.Time) error {
		p.pollOnce(tickCtx, tick)
		return nil
	})
}

// pollOnce fetches every watchlist symbol. Individual failures are logged and
// skipped; a rejected submit (backpressure) is not retried within the tick.
func (p *Poller) pollOnce(ctx context.Context, tick time.Time) {
	for _, symbol := range p.opts.Symbols {
		obs, err := p.FetchQuote(ctx, symbol)
		if err != nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("quote fetch failed")
			continue
		}
		obs.Timestamp = tick

		if err := p.sink.Submit(obs); err != nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("observation rejected by engine")
		}
	}
}

// FetchQuote retrieves the latest quote for one symbol.
func (p *Poller) FetchQuote(ctx context.Context, symbol string) (ingest.Observation, error) {
	if symbol == "" {
		return ingest.Observation{}, errors.New("symbol required")
	}

	query := url.Values{}
	query.Set("function", "GLOBAL_QUOTE")
	query.Set("symbol", symbol)
	query.Set("apikey", p.opts.APIKey)

	endpoint := p.baseURL + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ingest.Observation{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "alertengine/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ingest.Observation{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return ingest.Observation{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return ingest.Observation{}, fmt.Errorf("quote api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payload, &quoteRes); err != nil {
		return ingest.Observation{}, err
	}

	if quoteRes.Note != "" {
		return ingest.Observation{}, fmt.Errorf("quote api throttled: %s", quoteRes.Note)
	}
	if quoteRes.Quote.Price == "" {
		return ingest.Observation{}, fmt.Errorf("quote api returned no price for %s", symbol)
	}

	price, err := decimal.NewFromString(quoteRes.Quote.Price)
	if err != nil {
		return ingest.Observation{}, fmt.Errorf("parse price: %w", err)
	}

	var volume int64
	if quoteRes.Quote.Volume != "" {
		volume, err = strconv.ParseInt(quoteRes.Quote.Volume, 10, 64)
		if err != nil {
			return ingest.Observation{}, fmt.Errorf("parse volume: %w", err)
		}
	}

	return ingest.Observation{
		Symbol: symbol,
		Price:  price,
		Volume: volume,
	}, nil
}

type quoteResponse struct {
	Quote struct {
		Symbol string `json:"01. symbol"`
		Price  string `json:"05. price"`
		Volume string `json:"06. volume"`
	} `json:"Global Quote"`
	Note string `json:"Note"`
}
