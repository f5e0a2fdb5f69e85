package p2pnet

import "errors"

var (
	// ErrMessageTooLarge is returned when a handshake message exceeds
	// the 1024-byte frame cap, on encode or decode.
	ErrMessageTooLarge = errors.New("proxy message exceeds frame cap")

	// ErrNotAllowed is logged on the user side when the remote
	// provider answers the handshake with allowed=false.
	ErrNotAllowed = errors.New("use service not allowed by remote")

	// ErrMissingPeerID is logged when a rendezvous multiaddr does not
	// name its peer with a /p2p component.
	ErrMissingPeerID = errors.New("multiaddr does not include a peer id")

	// ErrNetworkClosed is returned when a command is posted to a
	// controller that has shut down.
	ErrNetworkClosed = errors.New("network controller is closed")
)
