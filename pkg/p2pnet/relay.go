package p2pnet

import (
	"context"
	"log/slog"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	circuitv2client "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"
	ma "github.com/multiformats/go-multiaddr"
)

// requestReservation asks a freshly connected relay for a circuit
// reservation in a detached task. Called on the controller goroutine.
func (n *Network) requestReservation(relay peer.ID) {
	if _, ok := n.reserved[relay]; ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, rpcTimeout)
		defer cancel()
		_, err := circuitv2client.Reserve(ctx, n.host, peer.AddrInfo{ID: relay})
		n.postEvent(evtReservation{relay: relay, err: err})
	}()
}

// handleReservation records an accepted reservation: the relay's
// circuit address joins our advertised set and registrations are
// replayed so rendezvous points learn the new address.
func (n *Network) handleReservation(e evtReservation) {
	if e.err != nil {
		slog.Error("relay reservation failed", "relay", e.relay, "error", e.err)
		if n.metrics != nil {
			n.metrics.ReservationsTotal.WithLabelValues("error").Inc()
		}
		return
	}
	slog.Info("relay accepted our reservation", "relay", e.relay)
	if n.metrics != nil {
		n.metrics.ReservationsTotal.WithLabelValues("ok").Inc()
	}
	n.reserved[e.relay] = struct{}{}

	for _, addr := range n.circuitAddrsVia(e.relay) {
		n.addCircuitAddr(addr)
	}
	n.replayRegistrations()
}

// circuitAddrsVia derives /p2p-circuit listen addresses from the live
// connections to a relay.
func (n *Network) circuitAddrsVia(relay peer.ID) []ma.Multiaddr {
	p2pSuffix := "/p2p/" + relay.String()
	circuit := ma.StringCast(p2pSuffix + "/p2p-circuit")

	var addrs []ma.Multiaddr
	for _, c := range n.host.Network().ConnsToPeer(relay) {
		base := c.RemoteMultiaddr()
		// Strip an existing /p2p/<relay-id> suffix to avoid doubling it.
		if strings.HasSuffix(base.String(), p2pSuffix) {
			base = ma.StringCast(strings.TrimSuffix(base.String(), p2pSuffix))
		}
		addrs = append(addrs, base.Encapsulate(circuit))
	}
	return addrs
}

// addCircuitAddr admits a circuit address into the set served by the
// host's AddrsFactory.
func (n *Network) addCircuitAddr(addr ma.Multiaddr) {
	n.addrsMu.Lock()
	defer n.addrsMu.Unlock()

	for _, a := range n.circuitAddrs {
		if a.Equal(addr) {
			return
		}
	}
	n.circuitAddrs = append(n.circuitAddrs, addr)
	slog.Info("listening via relay", "addr", addr)
}

// appendCircuitAddrs is the host's AddrsFactory: every listen address
// plus the circuit addresses of accepted reservations. Serving the
// listen addresses unmodified also exposes LAN addresses for direct
// connectivity.
func (n *Network) appendCircuitAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	n.addrsMu.Lock()
	defer n.addrsMu.Unlock()

	if len(n.circuitAddrs) == 0 {
		return addrs
	}
	out := make([]ma.Multiaddr, 0, len(addrs)+len(n.circuitAddrs))
	out = append(out, addrs...)
	out = append(out, n.circuitAddrs...)
	return out
}
