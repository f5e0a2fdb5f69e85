// Package p2pnet is the network core of preers: a libp2p host wrapped
// by a single-goroutine controller that maintains rendezvous
// registrations, relay reservations, and proxy sessions.
package p2pnet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p"
	rzv "github.com/libp2p/go-libp2p-rendezvous"
	rzvdb "github.com/libp2p/go-libp2p-rendezvous/db/sqlcipher"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/preers/preers/internal/data"
)

// IdentifyProtocolVersion is advertised by the identify protocol.
const IdentifyProtocolVersion = "/preers/id/1.0.0"

// Config for creating a Network.
type Config struct {
	Key  crypto.PrivKey
	Port int // overlay listen port; 0 lets the OS choose

	IsRelay      bool // serve as a circuit relay
	IsRendezvous bool // serve as a rendezvous point

	// RendezvousDB is the path of the rendezvous service's database.
	// Only used when IsRendezvous is set.
	RendezvousDB string

	Metrics *Metrics // optional
}

// rendezvousPoint is the controller-side state for one rendezvous
// point: the client handle and the per-namespace discovery cookies.
type rendezvousPoint struct {
	point   rzv.RendezvousPoint
	cookies map[string][]byte
}

// Network owns the libp2p host and the registration state. All mutable
// state below the "controller-owned" marker is touched only by the run
// goroutine.
type Network struct {
	host    host.Host
	cfg     *Config
	metrics *Metrics

	mailbox chan Command
	events  chan netEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	provider *provider

	relaySvc *relayv2.Relay
	rzvSvc   *rzv.RendezvousService

	// circuit addresses advertised through the AddrsFactory; guarded
	// because the factory runs on host goroutines.
	addrsMu      sync.Mutex
	circuitAddrs []ma.Multiaddr

	// controller-owned state.
	nextDialID        uint64
	pendingRendezvous map[uint64]peer.AddrInfo
	pendingRelays     map[uint64]peer.ID
	rendezvousPoints  map[peer.ID]*rendezvousPoint
	relays            map[peer.ID]struct{}
	reserved          map[peer.ID]struct{}
	knownPeers        map[peer.ID]struct{}
}

// New creates the libp2p host and the controller around it. The host
// listens on IPv4 and IPv6 over TCP and QUIC on cfg.Port.
func New(cfg *Config) (*Network, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("config needs an identity key")
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Network{
		cfg:               cfg,
		metrics:           cfg.Metrics,
		mailbox:           make(chan Command, mailboxSize),
		events:            make(chan netEvent, mailboxSize),
		ctx:               ctx,
		cancel:            cancel,
		done:              make(chan struct{}),
		pendingRendezvous: make(map[uint64]peer.AddrInfo),
		pendingRelays:     make(map[uint64]peer.ID),
		rendezvousPoints:  make(map[peer.ID]*rendezvousPoint),
		relays:            make(map[peer.ID]struct{}),
		reserved:          make(map[peer.ID]struct{}),
		knownPeers:        make(map[peer.ID]struct{}),
	}

	hostOpts := []libp2p.Option{
		libp2p.Identity(cfg.Key),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port),
			fmt.Sprintf("/ip6/::/tcp/%d", cfg.Port),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.Port),
			fmt.Sprintf("/ip6/::/udp/%d/quic-v1", cfg.Port),
		),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.ProtocolVersion(IdentifyProtocolVersion),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
		libp2p.NATPortMap(),
		libp2p.AddrsFactory(n.appendCircuitAddrs),
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n.host = h
	n.provider = newProvider(h, cfg.Metrics)

	if cfg.IsRelay {
		relaySvc, err := relayv2.New(h)
		if err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to start relay service: %w", err)
		}
		n.relaySvc = relaySvc
		slog.Info("circuit relay service enabled")
	}

	if cfg.IsRendezvous {
		db, err := rzvdb.OpenDB(ctx, cfg.RendezvousDB)
		if err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to open rendezvous db: %w", err)
		}
		n.rzvSvc = rzv.NewRendezvousService(h, db)
		slog.Info("rendezvous service enabled", "db", cfg.RendezvousDB)
	}

	return n, nil
}

// Host returns the underlying libp2p host.
func (n *Network) Host() host.Host {
	return n.host
}

// PeerID returns the local peer id.
func (n *Network) PeerID() peer.ID {
	return n.host.ID()
}

// Start registers the proxy stream handler, subscribes to overlay
// lifecycle events, and launches the controller loop.
func (n *Network) Start() error {
	sub, err := n.host.EventBus().Subscribe([]interface{}{
		new(event.EvtLocalAddressesUpdated),
		new(event.EvtPeerConnectednessChanged),
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to host events: %w", err)
	}

	for _, addr := range n.host.Network().ListenAddresses() {
		slog.Info("listening", "addr", addr)
	}

	n.provider.start(n.ctx)
	go n.pumpBusEvents(sub)
	go n.run()
	return nil
}

// Close shuts the controller and the host down. Pending proxy sessions
// are torn down by their streams closing.
func (n *Network) Close() error {
	n.cancel()
	<-n.done
	if n.relaySvc != nil {
		n.relaySvc.Close()
	}
	return n.host.Close()
}

// run is the controller loop: a two-way select between the command
// mailbox and the overlay event channel. Registration state and the
// pending-connection sets are mutated only here.
func (n *Network) run() {
	defer close(n.done)
	for {
		select {
		case cmd := <-n.mailbox:
			n.handleCommand(cmd)
		case ev := <-n.events:
			n.handleEvent(ev)
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Network) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case AddRendezvous:
		n.addRendezvous(c.Addr)

	case AddRelay:
		n.addRelay(c.Peer)

	case TalkToRendezvous:
		n.talkToRendezvous(c.Peer)

	case GetNetworkInfo:
		info := data.NetworkInfo{PeerID: n.host.ID().String()}
		for p := range n.knownPeers {
			info.Peers = append(info.Peers, data.PeerInfo{
				PeerID:    p.String(),
				Connected: n.host.Network().Connectedness(p) == network.Connected,
			})
		}
		select {
		case c.Reply <- info:
		default:
			slog.Warn("network info reply dropped")
		}

	case UseService:
		// Refresh peer discovery first so the forwarder finds addresses
		// for the target peer in the address book.
		for p, rp := range n.rendezvousPoints {
			n.discoverAt(p, rp, NamespacePreers)
		}
		n.startForwarder(c.Service)

	case ProvideService:
		select {
		case n.provider.adds <- c.Service:
		case <-n.ctx.Done():
		}
	}
}

func (n *Network) handleEvent(ev netEvent) {
	switch e := ev.(type) {
	case evtDialResult:
		n.handleDialResult(e)

	case evtRegistered:
		if e.err != nil {
			slog.Error("registration failed", "rendezvous", e.rendezvous, "namespace", e.ns, "error", e.err)
			n.countRegistration(e.ns, "error")
			return
		}
		slog.Info("registered at rendezvous point", "rendezvous", e.rendezvous, "namespace", e.ns, "ttl", e.ttl)
		n.countRegistration(e.ns, "ok")

	case evtDiscovered:
		n.handleDiscovered(e)

	case evtReservation:
		n.handleReservation(e)

	case evtAddrsUpdated:
		for _, addr := range e.current {
			slog.Debug("advertised address", "addr", addr)
		}
		// A confirmed external address (or a fresh circuit address) is
		// worth advertising: replay registrations everywhere.
		n.replayRegistrations()

	case evtPeerConnected:
		n.knownPeers[e.peer] = struct{}{}
		n.updateKnownPeers()
	}
}

// handleDialResult reconciles a finished dial with the pending sets and
// promotes the peer into its role-specific set.
func (n *Network) handleDialResult(e evtDialResult) {
	switch e.kind {
	case dialRendezvous:
		delete(n.pendingRendezvous, e.dialID)
		if e.err != nil {
			slog.Error("connection to rendezvous point failed", "rendezvous", e.peer, "error", e.err)
			return
		}
		slog.Info("connected to rendezvous point", "rendezvous", e.peer)
		n.knownPeers[e.peer] = struct{}{}
		n.updateKnownPeers()
		if _, ok := n.rendezvousPoints[e.peer]; !ok {
			n.rendezvousPoints[e.peer] = &rendezvousPoint{
				point:   rzv.NewRendezvousPoint(n.host, e.peer),
				cookies: make(map[string][]byte),
			}
			go n.runRendezvousTicker(e.peer)
		}
		go n.tracePing(e.peer)

	case dialRelay:
		delete(n.pendingRelays, e.dialID)
		if e.err != nil {
			slog.Error("connection to relay failed", "relay", e.peer, "error", e.err)
			return
		}
		slog.Info("connected to relay", "relay", e.peer)
		n.knownPeers[e.peer] = struct{}{}
		n.updateKnownPeers()
		n.requestReservation(e.peer)
		go n.tracePing(e.peer)
	}
}

func (n *Network) handleDiscovered(e evtDiscovered) {
	if e.err != nil {
		slog.Error("discovery failed", "rendezvous", e.rendezvous, "namespace", e.ns, "error", e.err)
		n.countDiscovery(e.ns, "error")
		return
	}
	n.countDiscovery(e.ns, "ok")

	if rp, ok := n.rendezvousPoints[e.rendezvous]; ok && len(e.cookie) > 0 {
		rp.cookies[e.ns] = e.cookie
	}

	for _, reg := range e.regs {
		if reg.Peer.ID == n.host.ID() {
			continue
		}
		n.knownPeers[reg.Peer.ID] = struct{}{}
		n.host.Peerstore().AddAddrs(reg.Peer.ID, reg.Peer.Addrs, peerstore.AddressTTL)
		if e.ns == NamespaceRelay {
			n.addRelay(reg.Peer.ID)
		}
	}
	n.updateKnownPeers()
	slog.Info("discovered peers", "rendezvous", e.rendezvous, "namespace", e.ns, "count", len(e.regs))
}

// addRendezvous dials a rendezvous address and tracks the in-flight
// connection. The address must name its peer.
func (n *Network) addRendezvous(addr ma.Multiaddr) {
	ai, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		slog.Error("bad rendezvous address", "addr", addr, "error", ErrMissingPeerID)
		return
	}

	id := n.nextDialID
	n.nextDialID++
	n.pendingRendezvous[id] = *ai
	slog.Info("dialing rendezvous point", "addr", addr)

	info := *ai
	go func() {
		err := n.host.Connect(n.ctx, info)
		n.postEvent(evtDialResult{dialID: id, kind: dialRendezvous, peer: info.ID, err: err})
	}()
}

// addRelay records a relay and dials it by peer id. Relay servers keep
// the record but never dial other relays.
func (n *Network) addRelay(p peer.ID) {
	n.relays[p] = struct{}{}
	if n.cfg.IsRelay {
		return
	}

	id := n.nextDialID
	n.nextDialID++
	n.pendingRelays[id] = p
	slog.Info("dialing relay", "relay", p)

	go func() {
		err := n.host.Connect(n.ctx, peer.AddrInfo{ID: p})
		n.postEvent(evtDialResult{dialID: id, kind: dialRelay, peer: p, err: err})
	}()
}

// replayRegistrations re-registers at every rendezvous point so a newly
// reachable address is advertised.
func (n *Network) replayRegistrations() {
	for p, rp := range n.rendezvousPoints {
		n.registerAt(p, rp, NamespacePreers)
		if n.cfg.IsRelay {
			n.registerAt(p, rp, NamespaceRelay)
		}
	}
}

func (n *Network) updateKnownPeers() {
	if n.metrics != nil {
		n.metrics.KnownPeers.Set(float64(len(n.knownPeers)))
	}
}

func (n *Network) countRegistration(ns, result string) {
	if n.metrics != nil {
		n.metrics.RegistrationsTotal.WithLabelValues(ns, result).Inc()
	}
}

func (n *Network) countDiscovery(ns, result string) {
	if n.metrics != nil {
		n.metrics.DiscoveriesTotal.WithLabelValues(ns, result).Inc()
	}
}

// tracePing measures one round trip to a freshly connected peer. The
// latency is traced only, never used for routing.
func (n *Network) tracePing(p peer.ID) {
	ctx, cancel := context.WithTimeout(n.ctx, rpcTimeout)
	defer cancel()
	select {
	case res, ok := <-ping.Ping(ctx, n.host, p):
		if ok && res.Error == nil {
			slog.Debug("ping", "peer", p, "rtt", res.RTT)
		}
	case <-ctx.Done():
	}
}
