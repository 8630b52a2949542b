package proxy

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// newTestProxy wires a Proxy over loopback ingress/backend sockets and
// starts it, returning the ingress address clients should talk to and a
// cancel func that shuts the proxy down.
func newTestProxy(t *testing.T, idleTimeout time.Duration) (ingressAddr *net.UDPAddr, backend *net.UDPConn, cancel context.CancelFunc, p *Proxy) {
	t.Helper()

	ingress, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	backend = loopbackListener(t)
	go echoServer(backend)
	backendAddr := backend.LocalAddr().(*net.UDPAddr)

	cfg := Config{
		SourceAddr:  netip.MustParseAddr("127.0.0.1"),
		Backend:     netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(backendAddr.Port)),
		IdleTimeout: idleTimeout,
	}

	p = New(ingress, cfg, zerolog.Nop(), prometheus.NewRegistry())

	ctx, cancelFn := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx) }()

	return ingress.LocalAddr().(*net.UDPAddr), backend, cancelFn, p
}

func dialClient(t *testing.T, localPort int) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: localPort}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendAndExpect(t *testing.T, client *net.UDPConn, ingress *net.UDPAddr, payload string) {
	t.Helper()
	_, err := client.WriteToUDP([]byte(payload), ingress)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, string(buf[:n]))
}

func TestColdStartSinglePacketRoundTrip(t *testing.T) {
	ingress, _, cancel, _ := newTestProxy(t, 2*time.Second)
	defer cancel()

	client := dialClient(t, 0)
	sendAndExpect(t, client, ingress, "ping")
}

func TestTwoConcurrentSourcesPreserveOrder(t *testing.T) {
	ingress, _, cancel, p := newTestProxy(t, 2*time.Second)
	defer cancel()

	clientA := dialClient(t, 0)
	clientB := dialClient(t, 0)

	group, _ := errgroup.WithContext(context.Background())
	group.Go(func() error {
		sendAndExpect(t, clientA, ingress, "A")
		sendAndExpect(t, clientA, ingress, "B")
		return nil
	})
	group.Go(func() error {
		sendAndExpect(t, clientB, ingress, "A")
		sendAndExpect(t, clientB, ingress, "B")
		return nil
	})
	require.NoError(t, group.Wait())

	require.Eventually(t, func() bool { return p.ActiveSessions() == 2 }, time.Second, 10*time.Millisecond)
}

func TestSessionReuseWithinTimeout(t *testing.T) {
	ingress, _, cancel, p := newTestProxy(t, 2*time.Second)
	defer cancel()

	client := dialClient(t, 0)
	sendAndExpect(t, client, ingress, "x")
	require.Eventually(t, func() bool { return p.ActiveSessions() == 1 }, time.Second, 10*time.Millisecond)

	time.Sleep(500 * time.Millisecond)
	sendAndExpect(t, client, ingress, "y")

	require.Equal(t, 1, p.ActiveSessions())
}

func TestSessionExpiryThenRecreation(t *testing.T) {
	ingress, _, cancel, p := newTestProxy(t, 300*time.Millisecond)
	defer cancel()

	client := dialClient(t, 0)
	sendAndExpect(t, client, ingress, "x")

	require.Eventually(t, func() bool { return p.ActiveSessions() == 0 }, 2*time.Second, 20*time.Millisecond)

	sendAndExpect(t, client, ingress, "y")
	require.Eventually(t, func() bool { return p.ActiveSessions() == 1 }, time.Second, 10*time.Millisecond)
}

func TestZeroByteDatagramRoundTrips(t *testing.T) {
	ingress, _, cancel, _ := newTestProxy(t, 2*time.Second)
	defer cancel()

	client := dialClient(t, 0)
	_, err := client.WriteToUDP([]byte{}, ingress)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestMaxSizeDatagramForwardedIntact(t *testing.T) {
	ingress, _, cancel, _ := newTestProxy(t, 2*time.Second)
	defer cancel()

	client := dialClient(t, 0)
	payload := make([]byte, 65507)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := client.WriteToUDP(payload, ingress)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 70000)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}

func TestBackendDownSessionClosesWithoutReply(t *testing.T) {
	ingressConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	// Bind and immediately close a backend port so nothing is listening
	// on it, simulating "backend down".
	deadBackend, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	backendPort := deadBackend.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, deadBackend.Close())

	cfg := Config{
		SourceAddr:  netip.MustParseAddr("127.0.0.1"),
		Backend:     netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(backendPort)),
		IdleTimeout: 300 * time.Millisecond,
	}
	p := New(ingressConn, cfg, zerolog.Nop(), prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	client := dialClient(t, 0)
	_, err = client.WriteToUDP([]byte("x"), ingressConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.ActiveSessions() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	buf := make([]byte, 16)
	_, _, err = client.ReadFromUDP(buf)
	require.Error(t, err, "no reply should ever arrive from a down backend")

	require.Eventually(t, func() bool { return p.ActiveSessions() == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestFatalIngressErrorTerminatesDispatcher(t *testing.T) {
	ingress, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	backend := loopbackListener(t)
	go echoServer(backend)
	backendAddr := backend.LocalAddr().(*net.UDPAddr)

	cfg := Config{
		SourceAddr:  netip.MustParseAddr("127.0.0.1"),
		Backend:     netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(backendAddr.Port)),
		IdleTimeout: time.Second,
	}
	p := New(ingress, cfg, zerolog.Nop(), prometheus.NewRegistry())

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(context.Background()) }()

	// Simulate the ingress socket being closed out from under the proxy.
	require.NoError(t, ingress.Close())

	select {
	case err := <-runDone:
		// The ingress socket closing while ctx is still live is not a
		// self-initiated shutdown: the dispatcher's read error is fatal
		// and must propagate so the process exits non-zero.
		require.Error(t, err)
		require.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not terminate after ingress socket closed")
	}
}
