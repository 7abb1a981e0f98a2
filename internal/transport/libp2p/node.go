// Package libp2p is the one concrete transport.PeerNetwork adapter: a
// libp2p host plus gossipsub. The wire protocol itself is out of scope
// (spec §1) — this adapter exercises the dependency with the minimal
// framing the scheduler needs: one gossipsub topic per notify key, and a
// single shared topic for key-lookup requests and their (best-effort,
// unordered) cube responses.
package libp2p

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	golibp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"verity/internal/cube"
	"verity/internal/transport"
)

const requestTopicName = "verity/request/v1"
const notifyTopicPrefix = "verity/notify/v1/"

// Config holds the host/discovery parameters a cube-store node needs.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// keyRequest is the minimal wire shape published on the request topic.
// Responders are out of scope for this adapter; any peer that happens to
// gossip a matching cube back on the same topic is accepted opportunistically.
type keyRequest struct {
	Keys []string `json:"keys"` // hex-encoded cube keys
}

// Node is a libp2p host wired as a transport.PeerNetwork. It feeds deliveries
// and peer-presence events to a transport.Sink (typically *schedule.Scheduler).
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[transport.PeerID]peer.AddrInfo

	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	sink   transport.Sink
	logger *logrus.Logger
}

// NewNode creates and bootstraps a libp2p node and starts forwarding the
// request topic into sink. Callers join per-notify-key topics later via
// SendNotificationSubscribe.
func NewNode(cfg Config, sink transport.Sink, logger *logrus.Logger) (*Node, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := golibp2p.New(golibp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport/libp2p: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("transport/libp2p: create pubsub: %w", err)
	}

	n := &Node{
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[transport.PeerID]peer.AddrInfo),
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		sink:   sink,
		logger: logger,
	}

	if err := n.dialSeeds(cfg.BootstrapPeers); err != nil {
		logger.Warnf("transport/libp2p: bootstrap dial warning: %v", err)
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	if err := n.subscribeRequests(); err != nil {
		h.Close()
		cancel()
		return nil, err
	}

	return n, nil
}

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connects to a newly discovered
// peer and emits EventPeerOnline to the sink.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	n.peerLock.RLock()
	_, known := n.peers[transport.PeerID(info.ID.String())]
	n.peerLock.RUnlock()
	if known {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.logger.Warnf("transport/libp2p: connect to %s: %v", info.ID, err)
		return
	}
	n.registerPeer(info)
}

func (n *Node) registerPeer(info peer.AddrInfo) {
	id := transport.PeerID(info.ID.String())
	n.peerLock.Lock()
	n.peers[id] = info
	n.peerLock.Unlock()
	n.logger.Infof("transport/libp2p: peer online %s", id)
	if n.sink != nil {
		n.sink.OnPeerEvent(transport.Event{Kind: transport.EventPeerOnline, Peer: id})
	}
}

func (n *Node) dialSeeds(seeds []string) error {
	var failures []string
	for _, addr := range seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *info); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		n.registerPeer(*info)
	}
	if len(failures) > 0 {
		return fmt.Errorf("dial errors: %v", failures)
	}
	return nil
}

// OnlinePeers implements transport.PeerNetwork.
func (n *Node) OnlinePeers() []transport.PeerID {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]transport.PeerID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	return out
}

// SendKeyRequest implements transport.PeerNetwork by gossiping a key-lookup
// request on the shared request topic. The adapter does not address peers
// individually — gossipsub has no unicast primitive without opening a
// dedicated stream, which is wire-protocol territory this package leaves
// unimplemented per spec §1.
func (n *Node) SendKeyRequest(peerID transport.PeerID, keys [][cube.KeySize]byte) {
	hexKeys := make([]string, len(keys))
	for i, k := range keys {
		hexKeys[i] = hex.EncodeToString(k[:])
	}
	payload, err := json.Marshal(keyRequest{Keys: hexKeys})
	if err != nil {
		n.logger.Warnf("transport/libp2p: marshal key request: %v", err)
		return
	}
	if err := n.publish(requestTopicName, payload); err != nil {
		n.logger.Warnf("transport/libp2p: publish key request: %v", err)
	}
}

// SendNotificationSubscribe implements transport.PeerNetwork by joining the
// gossipsub topic for notifyKey, so future cubes carrying that NOTIFY field
// arrive as deliveries without a repeated request per key.
func (n *Node) SendNotificationSubscribe(peerID transport.PeerID, notifyKey [cube.KeySize]byte) {
	topic := notifyTopicPrefix + hex.EncodeToString(notifyKey[:])
	if err := n.subscribeAndForward(topic); err != nil {
		n.logger.Warnf("transport/libp2p: subscribe notify topic: %v", err)
	}
}

func (n *Node) publish(topicName string, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[topicName]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topicName)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("join topic %s: %w", topicName, err)
		}
		n.topics[topicName] = t
	}
	n.topicLock.Unlock()
	return t.Publish(n.ctx, data)
}

func (n *Node) subscribeRequests() error {
	return n.subscribeAndForward(requestTopicName)
}

// subscribeAndForward joins topicName once and forwards every message whose
// payload decodes as raw cube bytes to the sink as a Delivery. The request
// topic also carries keyRequest JSON envelopes, which are silently skipped
// here since responding to them is a responder role this adapter does not
// implement.
func (n *Node) subscribeAndForward(topicName string) error {
	n.topicLock.Lock()
	if _, exists := n.subs[topicName]; exists {
		n.topicLock.Unlock()
		return nil
	}
	t, ok := n.topics[topicName]
	if !ok {
		var err error
		t, err = n.pubsub.Join(topicName)
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("join topic %s: %w", topicName, err)
		}
		n.topics[topicName] = t
	}
	sub, err := t.Subscribe()
	if err != nil {
		n.topicLock.Unlock()
		return fmt.Errorf("subscribe topic %s: %w", topicName, err)
	}
	n.subs[topicName] = sub
	n.topicLock.Unlock()

	go n.forwardLoop(topicName, sub)
	return nil
}

func (n *Node) forwardLoop(topicName string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil {
				n.logger.Warnf("transport/libp2p: subscription %s ended: %v", topicName, err)
			}
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		if looksLikeKeyRequest(msg.Data) {
			continue
		}
		if n.sink != nil {
			n.sink.OnCubesDelivered([]transport.Delivery{{
				Bytes: append([]byte(nil), msg.Data...),
				From:  transport.PeerID(msg.ReceivedFrom.String()),
			}})
		}
	}
}

func looksLikeKeyRequest(data []byte) bool {
	var req keyRequest
	return json.Unmarshal(data, &req) == nil && req.Keys != nil
}

// Close tears down the host and all background subscriptions.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}
