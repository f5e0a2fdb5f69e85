// Package data holds the record shapes shared by the daemon, the admin
// HTTP surface, and the preers-ctl client. The JSON encoding of these
// types is the admin wire format.
package data

// DefaultHTTPPort is the admin API port used when --http-port is not given.
const DefaultHTTPPort = 3000

// Rendezvous is a rendezvous point the node should talk to. The multiaddr
// must name the peer with a trailing /p2p/<peer-id> component.
type Rendezvous struct {
	ID        int64  `json:"id"`
	Multiaddr string `json:"multiaddr"`
}

// ProvideService is a local TCP endpoint this node permits remote peers
// to reach through the proxy protocol.
type ProvideService struct {
	ID   int64  `json:"id"`
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// UseService is a remote endpoint on a named peer, fronted locally by a
// TCP listener on ForwarderPort.
type UseService struct {
	ID            int64  `json:"id"`
	PeerID        string `json:"peer_id"`
	Host          string `json:"host"`
	Port          uint16 `json:"port"`
	ForwarderPort uint16 `json:"forwarder_port"`
}

// PeerInfo reports one known peer and whether it is currently connected.
type PeerInfo struct {
	PeerID    string `json:"peer_id"`
	Connected bool   `json:"connected"`
}

// NetworkInfo is the answer to a network-info query: our own peer ID and
// every peer we have ever seen via connection or discovery.
type NetworkInfo struct {
	PeerID string     `json:"peer_id"`
	Peers  []PeerInfo `json:"peers"`
}
