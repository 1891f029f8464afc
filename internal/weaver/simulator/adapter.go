package simulator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/weaverhq/weaver/errs"
)

// DefaultVenueRateLimit caps outbound venue calls per second, a conservative
// default under most exchanges' order-submission rate limits (§4.7
// AdapterFailure/rate-limit).
const DefaultVenueRateLimit = 10

// ExchangeResult is the submit_order response §4.7 specifies.
type ExchangeResult struct {
	Success         bool
	ExchangeOrderID string
	Status          OrderStatus
	ErrorCode       string
	ErrorMessage    string
}

// ExchangeOrder is what get_order returns.
type ExchangeOrder struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledQty       string
	FilledAvgPrice  string
}

// Exchange is the one order-lifecycle contract both the live adapter and the
// backtest simulator conform to (§4.7 "Interface (capability set)").
type Exchange interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	SubmitOrder(ctx context.Context, intent OrderIntent) (ExchangeResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error)
	GetOrder(ctx context.Context, exchangeOrderID string) (*ExchangeOrder, error)
}

// VenueClient abstracts the real exchange connection a LiveAdapter delegates
// to (e.g. the teacher's internal/adapters/binance REST+WS client, or
// internal/adapters/template's abstract scaffold for any other venue). Kept
// minimal and capability-shaped per §6 "Adapter plugin discovery": the core
// only needs the operations below, never venue-specific internals.
type VenueClient interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SubmitOrder(ctx context.Context, intent OrderIntent) (ExchangeResult, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error)
	GetOrder(ctx context.Context, exchangeOrderID string) (*ExchangeOrder, error)
}

// LiveAdapter delegates to a real venue, enforcing the connection guard and
// retrying transient failures. Grounded on the teacher's simulatedExchange
// functional-option constructor shape, adapted from in-process matching to
// a thin pass-through over VenueClient plus the connection-guard/backoff
// behavior §4.7/§7 require (NotConnected, AdapterFailure).
type LiveAdapter struct {
	venue      VenueClient
	connected  atomic.Bool
	maxRetries int
	limiter    *rate.Limiter
}

// NewLiveAdapter constructs a LiveAdapter over venue, throttled to
// DefaultVenueRateLimit submit_order calls per second.
func NewLiveAdapter(venue VenueClient) *LiveAdapter {
	return &LiveAdapter{
		venue:      venue,
		maxRetries: 3,
		limiter:    rate.NewLimiter(rate.Limit(DefaultVenueRateLimit), DefaultVenueRateLimit),
	}
}

// Connect implements Exchange; idempotent.
func (a *LiveAdapter) Connect(ctx context.Context) error {
	if a.connected.Load() {
		return nil
	}
	if err := a.venue.Connect(ctx); err != nil {
		return errs.New("simulator/adapter", errs.CodeAdapterFailure, errs.WithCause(err))
	}
	a.connected.Store(true)
	return nil
}

// Disconnect implements Exchange.
func (a *LiveAdapter) Disconnect(ctx context.Context) error {
	if !a.connected.Load() {
		return nil
	}
	err := a.venue.Disconnect(ctx)
	a.connected.Store(false)
	if err != nil {
		return errs.New("simulator/adapter", errs.CodeAdapterFailure, errs.WithCause(err))
	}
	return nil
}

// IsConnected implements Exchange.
func (a *LiveAdapter) IsConnected() bool { return a.connected.Load() }

func (a *LiveAdapter) guard() error {
	if !a.connected.Load() {
		return errs.New("simulator/adapter", errs.CodeNotConnected,
			errs.WithMessage("operation attempted before connect()"), errs.WithHTTP(503))
	}
	return nil
}

// SubmitOrder implements Exchange: blocks cooperatively until venue ack,
// rate-limiting outbound calls and retrying transient failures with the
// teacher's NextBackOff/Reset loop idiom.
func (a *LiveAdapter) SubmitOrder(ctx context.Context, intent OrderIntent) (ExchangeResult, error) {
	if err := a.guard(); err != nil {
		return ExchangeResult{}, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return ExchangeResult{}, err
	}
	backoffCfg := backoff.NewExponentialBackOff()
	var lastErr error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		res, err := a.venue.SubmitOrder(ctx, intent)
		if err == nil {
			return res, nil
		}
		lastErr = err
		sleep := backoffCfg.NextBackOff()
		select {
		case <-ctx.Done():
			return ExchangeResult{}, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return ExchangeResult{}, errs.New("simulator/adapter", errs.CodeAdapterFailure,
		errs.WithMessage("submit_order failed after retries"), errs.WithCause(lastErr))
}

// CancelOrder implements Exchange.
func (a *LiveAdapter) CancelOrder(ctx context.Context, exchangeOrderID string) (bool, error) {
	if err := a.guard(); err != nil {
		return false, err
	}
	ok, err := a.venue.CancelOrder(ctx, exchangeOrderID)
	if err != nil {
		return false, errs.New("simulator/adapter", errs.CodeAdapterFailure, errs.WithCause(err))
	}
	return ok, nil
}

// GetOrder implements Exchange.
func (a *LiveAdapter) GetOrder(ctx context.Context, exchangeOrderID string) (*ExchangeOrder, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	order, err := a.venue.GetOrder(ctx, exchangeOrderID)
	if err != nil {
		return nil, errs.New("simulator/adapter", errs.CodeAdapterFailure, errs.WithCause(err))
	}
	return order, nil
}

var _ Exchange = (*LiveAdapter)(nil)
