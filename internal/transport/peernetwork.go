// Package transport defines the abstract peer-network contract the core
// consumes (spec §6.3) and the events RequestScheduler reacts to. The wire
// protocol itself is out of scope; this package only fixes the boundary a
// concrete adapter (see transport/libp2p) must satisfy.
package transport

import "verity/internal/cube"

// PeerID identifies a remote peer. Concrete adapters choose their own
// encoding (libp2p uses a multihash-derived peer.ID); the core only ever
// treats it as an opaque comparable value.
type PeerID string

// PeerNetwork is the abstract capability the core schedules requests
// against (spec §6.3). Implementations must be safe for concurrent use.
type PeerNetwork interface {
	// SendKeyRequest fire-and-forgets a request for one or more cube keys
	// to peerID.
	SendKeyRequest(peerID PeerID, keys [][cube.KeySize]byte)

	// SendNotificationSubscribe asks peerID to forward any cube whose
	// NOTIFY field matches notifyKey as it is seen.
	SendNotificationSubscribe(peerID PeerID, notifyKey [cube.KeySize]byte)

	// OnlinePeers returns the currently known-online peer set, the pool a
	// PeerSelector chooses from.
	OnlinePeers() []PeerID
}

// Delivery is a frame the transport handed up after a key request or a
// subscription forward.
type Delivery struct {
	Bytes []byte
	From  PeerID
}

// EventKind distinguishes the four peer/network transitions spec §6.3
// names.
type EventKind uint8

const (
	EventPeerOnline EventKind = iota
	EventPeerOffline
	EventNetworkOnline
	EventNetworkOffline
)

// Event is a peer or network lifecycle transition (spec §6.3 "peerOnline",
// "peerOffline", "online", "offline").
type Event struct {
	Kind EventKind
	Peer PeerID // valid for EventPeerOnline / EventPeerOffline
}

// Sink is what a PeerNetwork implementation delivers into: incoming cube
// bytes and lifecycle events. RequestScheduler implements Sink; a concrete
// adapter is handed its Sink when the adapter is constructed.
type Sink interface {
	OnCubesDelivered(deliveries []Delivery)
	OnPeerEvent(ev Event)
}
