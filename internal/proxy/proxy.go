package proxy

import (
	"context"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Proxy wires together the ingress dispatcher, the session cache, and the
// reply aggregator over one shared ingress socket. It is the top-level
// entry point for running the core routing fabric.
type Proxy struct {
	ingress    *net.UDPConn
	cache      *sessionCache
	dispatcher *Dispatcher
	aggregator *Aggregator
}

// New builds a Proxy around an already-bound, non-blocking ingress
// datagram socket. Binding, socket inheritance, and non-blocking mode are
// the caller's responsibility (see cmd/udpproxy and internal/systemdsock).
func New(ingress *net.UDPConn, cfg Config, log zerolog.Logger, reg prometheus.Registerer) *Proxy {
	replies := make(chan Reply, replyChanCapacity)
	m := newMetrics(reg)
	cache := newSessionCache()

	return &Proxy{
		ingress:    ingress,
		cache:      cache,
		dispatcher: newDispatcher(ingress, cache, cfg, replies, m, log),
		aggregator: newAggregator(ingress, replies, log),
	}
}

// Run starts the dispatcher and aggregator and blocks until ctx is
// canceled or either one exits, for any reason. Either one exiting
// triggers a full shutdown: it cancels the internal context (unblocking
// the other's select loop) and closes the ingress socket (unblocking any
// read or write the other has in flight). The first non-nil error from
// either task is returned; a clean ctx cancellation returns nil.
func (p *Proxy) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errgroup.Group
	group.Go(func() error {
		defer cancel()
		return p.dispatcher.Run(ctx)
	})
	group.Go(func() error {
		defer cancel()
		return p.aggregator.Run(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		_ = p.ingress.Close()
		return nil
	})

	return group.Wait()
}

// ActiveSessions reports the number of live sessions, for tests and
// diagnostics.
func (p *Proxy) ActiveSessions() int {
	return p.cache.len()
}
