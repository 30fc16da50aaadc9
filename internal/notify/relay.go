package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// ErrNoRelays indicates no relay accepted a connection.
var ErrNoRelays = errors.New("no relays reachable")

// Publisher sends signed events to relays.
type Publisher interface {
	Publish(ctx context.Context, event *nostr.Event) error
}

// RelayPool keeps publish-only connections to a fixed set of relays and
// redials a relay the next time it is needed after a failure.
type RelayPool struct {
	urls   []string
	log    *slog.Logger
	mu     sync.Mutex
	relays map[string]*nostr.Relay
}

// NewRelayPool creates a pool for the given relay URLs. No connection is made
// until the first Publish.
func NewRelayPool(urls []string, logger *slog.Logger) *RelayPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayPool{
		urls:   urls,
		log:    logger,
		relays: make(map[string]*nostr.Relay),
	}
}

func (p *RelayPool) relay(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.relays[url]; ok && r.IsConnected() {
		return r, nil
	}
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	p.relays[url] = r
	p.log.Debug("connected to relay", "relay", url)
	return r, nil
}

func (p *RelayPool) drop(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.relays[url]; ok {
		_ = r.Close()
		delete(p.relays, url)
	}
}

// Publish sends an event to every relay. It succeeds if at least one accepted it.
func (p *RelayPool) Publish(ctx context.Context, event *nostr.Event) error {
	if len(p.urls) == 0 {
		return ErrNoRelays
	}

	var lastErr error
	var published int

	for _, url := range p.urls {
		r, err := p.relay(ctx, url)
		if err != nil {
			lastErr = err
			p.log.Warn("relay connect failed", "relay", url, "err", err)
			continue
		}
		if err := r.Publish(ctx, *event); err != nil {
			lastErr = err
			p.log.Warn("publish failed", "relay", url, "err", err)
			p.drop(url)
			continue
		}
		published++
	}

	if published == 0 {
		return fmt.Errorf("%w: %v", ErrNoRelays, lastErr)
	}

	p.log.Debug("published event", "event_id", event.ID, "relays", published)
	return nil
}

// Close shuts down all relay connections.
func (p *RelayPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, r := range p.relays {
		_ = r.Close()
		delete(p.relays, url)
	}
}
