package proxy

import (
	"context"
	"net"

	"github.com/rs/zerolog"
)

// Aggregator is the single consumer of the reply channel. It writes each
// Reply's payload to the ingress socket addressed to the reply's source,
// linearizing writes to that shared socket without explicit locking.
type Aggregator struct {
	ingress *net.UDPConn
	replies <-chan Reply
	log     zerolog.Logger
}

func newAggregator(ingress *net.UDPConn, replies <-chan Reply, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		ingress: ingress,
		replies: replies,
		log:     log.With().Str("component", "aggregator").Logger(),
	}
}

// Run drains replies until ctx is canceled. A fatal write error terminates
// the aggregator (and hence the process via the caller); a recoverable
// one drops the reply and continues.
func (a *Aggregator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case reply := <-a.replies:
			if _, err := a.ingress.WriteToUDP(reply.Data, reply.Source.UDPAddr()); err != nil {
				if isClosedConn(err) {
					select {
					case <-ctx.Done():
						return nil
					default:
						return err
					}
				}
				if Classify(err) == Terminate {
					return err
				}
				a.log.Debug().Err(err).Str("source", reply.Source.String()).Msg("dropped reply: recoverable write error")
			}
		}
	}
}
