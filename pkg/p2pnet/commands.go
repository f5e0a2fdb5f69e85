package p2pnet

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/preers/preers/internal/data"
)

// mailboxSize bounds every inter-component queue. Overproduction blocks
// the producer.
const mailboxSize = 256

// Command is a request posted to the network controller by an external
// collaborator (admin HTTP surface, startup wiring). Commands are
// processed one at a time on the controller goroutine.
type Command interface{ isCommand() }

// AddRendezvous records a rendezvous address and dials it. The address
// must carry a /p2p/<peer-id> component.
type AddRendezvous struct {
	Addr ma.Multiaddr
}

// AddRelay records a relay peer and, unless this node is itself a
// relay, dials it to obtain a reservation.
type AddRelay struct {
	Peer peer.ID
}

// TalkToRendezvous registers this node under its namespaces at the
// given rendezvous point and issues discovery queries. Posted
// periodically by the per-point ticker.
type TalkToRendezvous struct {
	Peer peer.ID
}

// GetNetworkInfo asks for the local peer id and the known-peer set.
// The answer is delivered on Reply, which must have capacity for one
// value.
type GetNetworkInfo struct {
	Reply chan<- data.NetworkInfo
}

// UseService spawns a local forwarder for a remote service, after
// refreshing peer discovery at every rendezvous point.
type UseService struct {
	Service data.UseService
}

// ProvideService admits a local TCP endpoint into the provider
// allow-set.
type ProvideService struct {
	Service data.ProvideService
}

func (AddRendezvous) isCommand()    {}
func (AddRelay) isCommand()         {}
func (TalkToRendezvous) isCommand() {}
func (GetNetworkInfo) isCommand()   {}
func (UseService) isCommand()       {}
func (ProvideService) isCommand()   {}

// Post enqueues a command for the controller. It blocks when the
// mailbox is full and fails once the controller has shut down.
func (n *Network) Post(ctx context.Context, cmd Command) error {
	select {
	case n.mailbox <- cmd:
		return nil
	case <-n.ctx.Done():
		return ErrNetworkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
