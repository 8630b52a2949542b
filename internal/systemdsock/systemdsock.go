// Package systemdsock implements the ingress socket handoff from a
// service manager via the systemd socket-activation protocol, or a
// loopback development fallback.
package systemdsock

import (
	"fmt"
	"net"

	"github.com/coreos/go-systemd/activation"
	"github.com/rs/zerolog"
)

// devListenAddr is the address bound in --dev mode instead of expecting
// an inherited socket.
const devListenAddr = "127.0.0.1:8123"

// Acquire returns the ingress datagram socket. In production it is
// inherited from the service manager: exactly one passed file is used as
// given, more than one logs a warning and uses the first, and zero is a
// fatal "no socket passed" error. In --dev mode it binds devListenAddr
// directly instead. The returned connection is always left in
// non-blocking mode, which Go's net package guarantees for any
// net.PacketConn it constructs or wraps via net.FilePacketConn.
func Acquire(dev bool, log zerolog.Logger) (*net.UDPConn, error) {
	if dev {
		conn, err := net.ListenUDP("udp", mustResolve(devListenAddr))
		if err != nil {
			return nil, fmt.Errorf("failed to bind development ingress socket: %w", err)
		}
		log.Info().Str("addr", devListenAddr).Msg("bound development ingress socket")
		return conn, nil
	}

	files := activation.Files(true)
	switch len(files) {
	case 0:
		return nil, fmt.Errorf("no socket passed by systemd")
	case 1:
	default:
		log.Warn().Int("count", len(files)).Msg("more than one socket passed by systemd; using the first")
	}

	packetConn, err := net.FilePacketConn(files[0])
	if err != nil {
		return nil, fmt.Errorf("failed to adopt inherited socket: %w", err)
	}
	for _, extra := range files[1:] {
		_ = extra.Close()
	}

	udpConn, ok := packetConn.(*net.UDPConn)
	if !ok {
		_ = packetConn.Close()
		return nil, fmt.Errorf("inherited socket is not a UDP datagram socket")
	}
	return udpConn, nil
}

func mustResolve(addr string) *net.UDPAddr {
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		panic(err)
	}
	return resolved
}
