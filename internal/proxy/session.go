package proxy

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxUDPPayload is the maximum of UDP's 16-bit length field, an upper
// bound on any UDP payload over IPv4 or IPv6 (without jumbograms), used
// to size both the dispatcher's and each rx loop's receive buffer.
const maxUDPPayload = 65535

// Config bundles the inputs the core routing fabric needs: where to dial
// the backend from, where the backend lives, and how long a session's
// loops may sit idle before closing.
type Config struct {
	SourceAddr  netip.Addr
	Backend     netip.AddrPort
	IdleTimeout time.Duration
}

// Session owns one egress socket connected to the backend on behalf of a
// single originating SourceEndpoint, and runs independent tx/rx loops
// against it.
type Session struct {
	ID     uuid.UUID
	Source SourceEndpoint
	conn   *net.UDPConn
	log    zerolog.Logger
}

// newSession binds a fresh UDP socket to cfg.SourceAddr (OS-chosen
// ephemeral port) and connects it to cfg.Backend, fixing the peer for all
// subsequent sends and receives. Construction failure is reported to the
// caller, which treats it as "drop this packet" rather than propagating.
func newSession(cfg Config, source SourceEndpoint, log zerolog.Logger) (*Session, error) {
	localAddr := &net.UDPAddr{IP: cfg.SourceAddr.AsSlice(), Port: 0}
	conn, err := net.DialUDP("udp", localAddr, net.UDPAddrFromAddrPort(cfg.Backend))
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	return &Session{
		ID:     id,
		Source: source,
		conn:   conn,
		log: log.With().
			Str("session", formatSessionID(id)).
			Str("source", source.String()).
			Logger(),
	}, nil
}

func formatSessionID(id uuid.UUID) string {
	return id.String()[:8]
}

// localPort reports the ephemeral port the OS assigned to the egress
// socket, used by tests to verify a fresh session after eviction gets a
// different port than its predecessor.
func (s *Session) localPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// txLoop consumes buffers pushed by the dispatcher and sends them on the
// egress socket. It exits cleanly when idleTimeout elapses with no buffer
// available or when ctx is canceled (process shutdown). Removing the
// session's cache entry does not close the queue, so after that the loop
// ends at its next idle timeout. A send error of "connection refused" (the backend
// hasn't bound its listener yet) is swallowed silently since the backend
// is expected to come up eventually; any other error is run through
// Classify, continuing the loop on a recoverable verdict and returning on
// a fatal one.
func (s *Session) txLoop(ctx context.Context, queue *SessionQueue, idleTimeout time.Duration) error {
	defer s.conn.Close()
	defer queue.closeDone()

	recv := queue.receive()
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("closing tx loop: shutting down")
			return nil
		case payload, ok := <-recv:
			if !ok {
				s.log.Info().Msg("closing tx loop: queue closed")
				return nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleTimeout)

			if _, err := s.conn.Write(payload); err != nil {
				if IsConnectionRefused(err) {
					continue
				}
				switch Classify(err) {
				case Terminate:
					return err
				case Continue:
					continue
				}
			}
		case <-timer.C:
			s.log.Info().Msg("closing tx loop: idle timeout")
			return nil
		}
	}
}

// rxLoop waits for datagrams from the backend on the egress socket and
// forwards each as a Reply onto replies. It exits cleanly when
// idleTimeout elapses with no datagram received. A "connection refused"
// read error (the ICMP unreachable a down backend answers a send with) is
// swallowed like in the tx loop. If ctx is canceled while
// a reply is ready to send (the aggregator is gone and the proxy is
// tearing down), it returns a fatal error rather than dropping silently.
func (s *Session) rxLoop(ctx context.Context, replies chan<- Reply, idleTimeout time.Duration) error {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return err
		}

		buf := make([]byte, maxUDPPayload)
		n, err := s.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				s.log.Info().Msg("closing rx loop: idle timeout")
				return nil
			}
			if isClosedConn(err) {
				s.log.Debug().Msg("closing rx loop: egress socket closed by tx loop")
				return nil
			}
			if IsConnectionRefused(err) {
				continue
			}
			if Classify(err) == Terminate {
				return err
			}
			continue
		}

		select {
		case replies <- Reply{Source: s.Source, Data: buf[:n]}:
		case <-ctx.Done():
			return errAggregatorGone
		}
	}
}
