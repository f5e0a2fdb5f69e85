package p2pnet

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-varint"

	"github.com/preers/preers/internal/data"
)

func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func connectHosts(t *testing.T, a, b host.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Connect(ctx, peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

// startEchoServer binds a local TCP echo service and returns its port.
func startEchoServer(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// startTestProvider wires a provider with one allowed service and waits
// until the allow-set insert has landed.
func startTestProvider(t *testing.T, h host.Host, svc data.ProvideService) *provider {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	p := newProvider(h, nil)
	p.start(ctx)
	p.adds <- svc

	deadline := time.Now().Add(5 * time.Second)
	for !p.isAllowed(svc.Host, svc.Port) {
		if time.Now().After(deadline) {
			t.Fatal("allow-set insert did not land")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return p
}

func TestProviderEchoRoundTrip(t *testing.T) {
	echoPort := startEchoServer(t)

	providerHost := newTestHost(t)
	userHost := newTestHost(t)
	startTestProvider(t, providerHost, data.ProvideService{Host: "127.0.0.1", Port: echoPort})
	connectHosts(t, userHost, providerHost)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := userHost.NewStream(ctx, providerHost.ID(), ProxyProtocol)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	if err := writeMessage(s, &UseServiceReq{Host: "127.0.0.1", Port: uint32(echoPort)}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	var resp UseServiceResp
	if err := readMessage(s, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !resp.Allowed {
		t.Fatal("expected allowed=true")
	}

	msg := []byte("HELLO")
	if _, err := s.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echo mismatch: got %q", buf)
	}
}

func TestProviderRejectsUnknownService(t *testing.T) {
	echoPort := startEchoServer(t)

	providerHost := newTestHost(t)
	userHost := newTestHost(t)
	startTestProvider(t, providerHost, data.ProvideService{Host: "127.0.0.1", Port: echoPort})
	connectHosts(t, userHost, providerHost)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := userHost.NewStream(ctx, providerHost.ID(), ProxyProtocol)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	// A port outside the allow-set must be rejected and the stream closed.
	if err := writeMessage(s, &UseServiceReq{Host: "127.0.0.1", Port: uint32(echoPort) + 1}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	var resp UseServiceResp
	if err := readMessage(s, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Allowed {
		t.Fatal("expected allowed=false")
	}
	if _, err := s.Read(make([]byte, 1)); err == nil {
		t.Error("expected stream to be closed after rejection")
	}
}

func TestProviderRejectsHostname(t *testing.T) {
	providerHost := newTestHost(t)
	userHost := newTestHost(t)
	startTestProvider(t, providerHost, data.ProvideService{Host: "localhost", Port: 7000})
	connectHosts(t, userHost, providerHost)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := userHost.NewStream(ctx, providerHost.ID(), ProxyProtocol)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	// "localhost" is in the allow-set but is not a literal IP: the
	// provider must answer allowed=false instead of resolving it.
	if err := writeMessage(s, &UseServiceReq{Host: "localhost", Port: 7000}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	var resp UseServiceResp
	if err := readMessage(s, &resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Allowed {
		t.Fatal("expected allowed=false for hostname target")
	}
}

func TestProviderDropsOversizedRequest(t *testing.T) {
	providerHost := newTestHost(t)
	userHost := newTestHost(t)
	startTestProvider(t, providerHost, data.ProvideService{Host: "127.0.0.1", Port: 7000})
	connectHosts(t, userHost, providerHost)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := userHost.NewStream(ctx, providerHost.ID(), ProxyProtocol)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	// A 1100-byte frame: over the cap. The session must end without a
	// response.
	frame := varint.ToUvarint(1100)
	frame = append(frame, make([]byte, 1100)...)
	if _, err := s.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	s.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := s.Read(make([]byte, 1)); err == nil {
		t.Error("expected stream reset, got a response byte")
	}
}

func TestForwarderEndToEnd(t *testing.T) {
	echoPort := startEchoServer(t)

	providerHost := newTestHost(t)
	userHost := newTestHost(t)
	startTestProvider(t, providerHost, data.ProvideService{Host: "127.0.0.1", Port: echoPort})
	connectHosts(t, userHost, providerHost)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := &Network{host: userHost, cfg: &Config{}, ctx: ctx, cancel: cancel}

	ln := n.startForwarder(data.UseService{
		PeerID:        providerHost.ID().String(),
		Host:          "127.0.0.1",
		Port:          echoPort,
		ForwarderPort: 0,
	})
	if ln == nil {
		t.Fatal("forwarder did not start")
	}
	defer ln.Close()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer conn.Close()

	msg := []byte("HELLO")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("echo mismatch: got %q", buf)
	}
}

func TestForwarderRejectedServiceClosesLocalConn(t *testing.T) {
	providerHost := newTestHost(t)
	userHost := newTestHost(t)
	// Allow-set holds port 7000 only; the forwarder asks for 7001.
	startTestProvider(t, providerHost, data.ProvideService{Host: "127.0.0.1", Port: 7000})
	connectHosts(t, userHost, providerHost)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := &Network{host: userHost, cfg: &Config{}, ctx: ctx, cancel: cancel}

	ln := n.startForwarder(data.UseService{
		PeerID:        providerHost.ID().String(),
		Host:          "127.0.0.1",
		Port:          7001,
		ForwarderPort: 0,
	})
	if ln == nil {
		t.Fatal("forwarder did not start")
	}
	defer ln.Close()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial forwarder: %v", err)
	}
	defer conn.Close()

	// The remote answers allowed=false; the local connection must see
	// an immediate close.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF on local connection, got %v", err)
	}
}

func TestForwarderBadPeerID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := &Network{host: newTestHost(t), cfg: &Config{}, ctx: ctx, cancel: cancel}

	if ln := n.startForwarder(data.UseService{PeerID: "not-a-peer-id"}); ln != nil {
		ln.Close()
		t.Error("expected nil listener for a bad peer id")
	}
}
