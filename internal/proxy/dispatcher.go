package proxy

import (
	"context"
	"net"

	"github.com/rs/zerolog"
)

// Dispatcher reads datagrams off the shared ingress socket, looks up or
// creates the session for each originating SourceEndpoint, and hands the
// payload to that session's queue. It never blocks on egress I/O: cache
// access is held only long enough to find or create the entry, and the
// subsequent queue push is non-blocking.
type Dispatcher struct {
	ingress *net.UDPConn
	cache   *sessionCache
	cfg     Config
	replies chan<- Reply
	metrics *metrics
	log     zerolog.Logger
}

func newDispatcher(ingress *net.UDPConn, cache *sessionCache, cfg Config, replies chan<- Reply, m *metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		ingress: ingress,
		cache:   cache,
		cfg:     cfg,
		replies: replies,
		metrics: m,
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// Run reads datagrams indefinitely until ctx is canceled or a fatal I/O
// error is observed on the ingress socket, in which case it is propagated
// to the caller, which terminates the process.
func (d *Dispatcher) Run(ctx context.Context) error {
	buf := make([]byte, maxUDPPayload)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, addr, err := d.ingress.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isClosedConn(err) {
				select {
				case <-ctx.Done():
					return nil
				default:
					d.metrics.fatalClassified()
					return err
				}
			}
			if Classify(err) == Terminate {
				d.metrics.fatalClassified()
				return err
			}
			continue
		}

		source := SourceEndpointFromUDPAddr(addr)
		payload := make([]byte, n)
		copy(payload, buf[:n])

		entry, created, err := d.cache.getOrCreate(source, func() (*Session, error) {
			return newSession(d.cfg, source, d.log)
		})
		if err != nil {
			d.log.Error().Err(err).Str("source", source.String()).Msg("failed to create session, dropping packet")
			continue
		}
		if created {
			d.spawnSession(ctx, source, entry)
		}

		if ok := entry.queue.push(payload); !ok {
			d.cache.remove(source, entry)
			d.metrics.packetDropped()
			d.log.Debug().Str("source", source.String()).Msg("dropped packet: session closed")
		}
	}
}

// spawnSession launches the tx and rx loops for a freshly created
// session. Either loop's exit removes the cache entry. When the tx loop
// exits it closes the egress socket, which ends the rx loop's pending
// read; when the rx loop exits first, no further payloads reach the tx
// loop, which ends at its idle timeout.
func (d *Dispatcher) spawnSession(ctx context.Context, source SourceEndpoint, entry *sessionEntry) {
	d.metrics.sessionCreated()
	d.log.Info().Str("source", source.String()).Msg("creating new session")

	go func() {
		err := entry.session.txLoop(ctx, entry.queue, d.cfg.IdleTimeout)
		if err != nil {
			d.log.Error().Err(err).Str("source", source.String()).Msg("tx loop terminated")
		}
		d.cache.remove(source, entry)
		d.metrics.sessionClosed()
	}()

	go func() {
		err := entry.session.rxLoop(ctx, d.replies, d.cfg.IdleTimeout)
		if err != nil {
			d.log.Error().Err(err).Str("source", source.String()).Msg("rx loop terminated")
		}
		d.cache.remove(source, entry)
	}()
}
