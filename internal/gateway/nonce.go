package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"MarketSettle/internal/observability"
)

// NonceSource hands out strictly increasing nonces per address. Acquisition
// is serialized with transfer submission for the same address: the caller's
// function runs while the address entry is held, so two legs from one address
// cannot race each other into the gateway out of order.
//
// The counter is seeded from the gateway on first use and re-seeded after a
// nonce conflict, which is cheaper than re-fetching per leg and safe under
// local concurrency because of the per-address lock.
type NonceSource struct {
	gw      CoinGateway
	metrics *observability.Metrics

	mu      sync.Mutex
	entries map[string]*addressNonce
}

type addressNonce struct {
	mu     sync.Mutex
	next   uint64
	seeded bool
}

func NewNonceSource(gw CoinGateway, metrics *observability.Metrics) *NonceSource {
	return &NonceSource{
		gw:      gw,
		metrics: metrics,
		entries: make(map[string]*addressNonce),
	}
}

func (ns *NonceSource) entry(symbol, address string) *addressNonce {
	key := symbol + ":" + address
	ns.mu.Lock()
	defer ns.mu.Unlock()
	e, ok := ns.entries[key]
	if !ok {
		e = &addressNonce{}
		ns.entries[key] = e
	}
	return e
}

// WithNonce runs submit with the next nonce for (symbol, address), holding
// the address's lock across both acquisition and submission. On success the
// counter advances. On a nonce conflict the counter is invalidated so the
// next use re-seeds from the gateway. On an indeterminate outcome the counter
// is also invalidated: the gateway may or may not have consumed the nonce.
func (ns *NonceSource) WithNonce(ctx context.Context, symbol, address string, submit func(nonce uint64) error) error {
	e := ns.entry(symbol, address)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seeded {
		current, err := ns.gw.GetNonce(ctx, symbol, address)
		if err != nil {
			return fmt.Errorf("seed nonce for %s: %w", address, err)
		}
		e.next = current + 1
		e.seeded = true
		if ns.metrics != nil {
			ns.metrics.NonceReseeds.Inc()
		}
	}

	err := submit(e.next)
	if err == nil {
		e.next++
		return nil
	}

	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.IsNonceConflict() {
		e.seeded = false
	}
	if errors.Is(err, ErrGatewayIndeterminate) {
		e.seeded = false
	}
	return err
}
