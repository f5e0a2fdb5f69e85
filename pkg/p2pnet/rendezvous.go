package p2pnet

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// NamespacePreers is the rendezvous namespace every participating
	// node registers under.
	NamespacePreers = "preers"

	// NamespaceRelay is the rendezvous namespace relay servers register
	// under, so other nodes can discover them.
	NamespaceRelay = "relay"

	// RegistrationTTL is how long one registration stays valid at a
	// rendezvous point.
	RegistrationTTL = 2 * time.Hour

	// RefreshInterval is how often the ticker renews registrations and
	// re-runs discovery. Must stay well below RegistrationTTL.
	RefreshInterval = 5 * time.Minute

	// discoverLimit caps the registrations returned by one discovery.
	discoverLimit = 100

	// rpcTimeout bounds a single register, discover, reservation, or
	// ping exchange.
	rpcTimeout = 30 * time.Second
)

// runRendezvousTicker periodically posts TalkToRendezvous for one
// rendezvous point. It stops when posting fails, which means the
// controller is gone. Deleting the rendezvous record does not stop the
// ticker; the next tick then talks to a point that no longer answers.
func (n *Network) runRendezvousTicker(p peer.ID) {
	for {
		if err := n.Post(n.ctx, TalkToRendezvous{Peer: p}); err != nil {
			return
		}
		select {
		case <-time.After(RefreshInterval):
		case <-n.ctx.Done():
			return
		}
	}
}

// talkToRendezvous runs one tick against a rendezvous point: register
// under "preers" (and "relay" when serving as one), then discover
// relays (unless this node is a relay or rendezvous server itself) and
// other preers. Called on the controller goroutine.
func (n *Network) talkToRendezvous(p peer.ID) {
	rp, ok := n.rendezvousPoints[p]
	if !ok {
		return
	}

	n.registerAt(p, rp, NamespacePreers)
	if n.cfg.IsRelay {
		n.registerAt(p, rp, NamespaceRelay)
	}

	if !n.cfg.IsRelay && !n.cfg.IsRendezvous {
		n.discoverAt(p, rp, NamespaceRelay)
	}
	n.discoverAt(p, rp, NamespacePreers)
}

// registerAt advertises this node under ns at one rendezvous point in a
// detached task. The outcome comes back as an event.
func (n *Network) registerAt(p peer.ID, rp *rendezvousPoint, ns string) {
	point := rp.point
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, rpcTimeout)
		defer cancel()
		ttl, err := point.Register(ctx, ns, int(RegistrationTTL/time.Second))
		n.postEvent(evtRegistered{rendezvous: p, ns: ns, ttl: ttl, err: err})
	}()
}

// discoverAt queries one rendezvous point for ns in a detached task,
// replaying the last cookie for that (point, namespace) pair. The
// cookie captured here is the one current on the controller goroutine
// at issue time; the replacement lands back there via the event.
func (n *Network) discoverAt(p peer.ID, rp *rendezvousPoint, ns string) {
	point := rp.point
	cookie := rp.cookies[ns]
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, rpcTimeout)
		defer cancel()
		regs, newCookie, err := point.Discover(ctx, ns, discoverLimit, cookie)
		n.postEvent(evtDiscovered{rendezvous: p, ns: ns, regs: regs, cookie: newCookie, err: err})
	}()
}
