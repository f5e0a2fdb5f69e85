package p2pnet

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/preers/preers/internal/data"
)

// startForwarder binds the local forwarder port for a used service and
// serves it in a detached task. A bind failure or an unusable peer id
// is terminal for this forwarder only. The listener is returned for
// observability; it is closed when the forwarder ends.
func (n *Network) startForwarder(svc data.UseService) net.Listener {
	remote, err := peer.Decode(svc.PeerID)
	if err != nil {
		slog.Error("bad peer id for used service", "service", svc, "error", err)
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", svc.ForwarderPort))
	if err != nil {
		slog.Error("listen on forwarder port failed", "service", svc, "error", err)
		return nil
	}
	slog.Info("forwarding service", "peer", remote, "host", svc.Host, "port", svc.Port,
		"forwarder", ln.Addr())

	go n.serveForwarder(ln, remote, svc)
	return ln
}

// serveForwarder accepts local connections and opens one proxy stream
// per connection. Failing to open a stream terminates the forwarder;
// the caller is responsible for restarting it.
func (n *Network) serveForwarder(ln net.Listener, remote peer.ID, svc data.UseService) {
	defer ln.Close()

	// Release the port when the controller goes away.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-n.ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			slog.Error("forwarder accept failed", "service", svc, "error", err)
			return
		}
		slog.Info("accepted forwarder connection", "from", conn.RemoteAddr(), "service", svc)

		// Relayed connections are limited until hole punching upgrades
		// them; allow the proxy stream over them regardless.
		streamCtx := network.WithAllowLimitedConn(n.ctx, ProxyProtocol)
		s, err := n.host.NewStream(streamCtx, remote, ProxyProtocol)
		if err != nil {
			slog.Error("open proxy stream failed", "peer", remote, "error", err)
			conn.Close()
			return
		}

		go n.runForwarderSession(conn, s, svc)
	}
}

// runForwarderSession performs the handshake for one local connection
// and splices on success. Sessions are independent; a failure here
// leaves the forwarder and its other sessions running.
func (n *Network) runForwarderSession(conn net.Conn, s network.Stream, svc data.UseService) {
	req := UseServiceReq{Host: svc.Host, Port: uint32(svc.Port)}
	if err := writeMessage(s, &req); err != nil {
		slog.Error("send use service request failed", "service", svc, "error", err)
		s.Reset()
		conn.Close()
		return
	}

	var resp UseServiceResp
	if err := readMessage(s, &resp); err != nil {
		slog.Error("receive use service response failed", "service", svc, "error", err)
		s.Reset()
		conn.Close()
		return
	}
	if !resp.Allowed {
		slog.Error("use service rejected", "service", svc, "error", ErrNotAllowed)
		s.Close()
		conn.Close()
		return
	}

	fromRemote, toRemote := runSplice(s, conn, "forwarder", n.metrics)
	slog.Info("proxy session done", "service", svc,
		"local_to_remote", toRemote, "remote_to_local", fromRemote)
}
