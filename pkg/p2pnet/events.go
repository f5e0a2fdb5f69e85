package p2pnet

import (
	"time"

	rzv "github.com/libp2p/go-libp2p-rendezvous"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// netEvent is an overlay lifecycle event consumed by the controller.
// Detached tasks (dials, registrations, discoveries, reservations) and
// the eventbus pump post these; all state mutation happens on the
// controller goroutine.
type netEvent interface{ isEvent() }

type dialKind int

const (
	dialRendezvous dialKind = iota
	dialRelay
)

// evtDialResult reports the outcome of an asynchronous dial issued for
// a pending rendezvous or relay connection.
type evtDialResult struct {
	dialID uint64
	kind   dialKind
	peer   peer.ID
	err    error
}

// evtRegistered reports the outcome of one registration attempt.
type evtRegistered struct {
	rendezvous peer.ID
	ns         string
	ttl        time.Duration
	err        error
}

// evtDiscovered carries the registrations and continuation cookie of
// one discovery attempt.
type evtDiscovered struct {
	rendezvous peer.ID
	ns         string
	regs       []rzv.Registration
	cookie     []byte
	err        error
}

// evtReservation reports the outcome of a circuit relay reservation
// request.
type evtReservation struct {
	relay peer.ID
	err   error
}

// evtAddrsUpdated mirrors event.EvtLocalAddressesUpdated: our
// advertised address set changed (new listen address, confirmed
// external address, or a fresh circuit address).
type evtAddrsUpdated struct {
	current []ma.Multiaddr
}

// evtPeerConnected mirrors a Connected transition from the eventbus.
type evtPeerConnected struct {
	peer peer.ID
}

func (evtDialResult) isEvent()    {}
func (evtRegistered) isEvent()    {}
func (evtDiscovered) isEvent()    {}
func (evtReservation) isEvent()   {}
func (evtAddrsUpdated) isEvent()  {}
func (evtPeerConnected) isEvent() {}

// postEvent hands an event to the controller, giving up when the
// controller is gone. Long-lived tasks treat that as terminal.
func (n *Network) postEvent(ev netEvent) bool {
	select {
	case n.events <- ev:
		return true
	case <-n.ctx.Done():
		return false
	}
}

// pumpBusEvents forwards the host eventbus into the controller's event
// channel. It owns the subscription and exits when the bus closes it or
// the controller shuts down.
func (n *Network) pumpBusEvents(sub event.Subscription) {
	defer sub.Close()
	for {
		select {
		case e, ok := <-sub.Out():
			if !ok {
				return
			}
			switch evt := e.(type) {
			case event.EvtLocalAddressesUpdated:
				current := make([]ma.Multiaddr, 0, len(evt.Current))
				for _, ua := range evt.Current {
					current = append(current, ua.Address)
				}
				if !n.postEvent(evtAddrsUpdated{current: current}) {
					return
				}
			case event.EvtPeerConnectednessChanged:
				if evt.Connectedness != network.Connected {
					continue
				}
				if !n.postEvent(evtPeerConnected{peer: evt.Peer}) {
					return
				}
			}
		case <-n.ctx.Done():
			return
		}
	}
}
