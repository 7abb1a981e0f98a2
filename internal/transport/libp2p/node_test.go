package libp2p

import (
	"sync"
	"testing"
	"time"

	"verity/internal/cube"
	"verity/internal/transport"
)

type recordingSink struct {
	mu         sync.Mutex
	deliveries []transport.Delivery
	events     []transport.Event
}

func (s *recordingSink) OnCubesDelivered(deliveries []transport.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, deliveries...)
}

func (s *recordingSink) OnPeerEvent(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) deliveryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries)
}

func (s *recordingSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newLoopbackNode(t *testing.T, sink transport.Sink, bootstrap []string) *Node {
	t.Helper()
	n, err := NewNode(Config{
		ListenAddr:     "/ip4/127.0.0.1/tcp/0",
		BootstrapPeers: bootstrap,
		DiscoveryTag:   "verity-test",
	}, sink, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func addrOf(n *Node) string {
	addrs := n.host.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0].String() + "/p2p/" + n.host.ID().String()
}

func TestNewNodeJoinsRequestTopicWithoutPanic(t *testing.T) {
	sink := &recordingSink{}
	n := newLoopbackNode(t, sink, nil)
	if n.host.ID().String() == "" {
		t.Fatalf("expected a host id")
	}
}

func TestSendNotificationSubscribeJoinsTopicOnce(t *testing.T) {
	sink := &recordingSink{}
	n := newLoopbackNode(t, sink, nil)

	var notifyKey [cube.KeySize]byte
	notifyKey[0] = 0x7
	n.SendNotificationSubscribe("peer-a", notifyKey)
	n.SendNotificationSubscribe("peer-a", notifyKey)

	n.topicLock.Lock()
	count := len(n.subs)
	n.topicLock.Unlock()
	if count != 2 {
		t.Fatalf("expected request topic + one notify topic subscribed, got %d", count)
	}
}

func TestTwoNodesDeliverCubeOverNotifyTopic(t *testing.T) {
	sinkA := &recordingSink{}
	nodeA := newLoopbackNode(t, sinkA, nil)

	sinkB := &recordingSink{}
	nodeB := newLoopbackNode(t, sinkB, []string{addrOf(nodeA)})

	var notifyKey [cube.KeySize]byte
	notifyKey[0] = 0x42
	nodeA.SendNotificationSubscribe("peer-a", notifyKey)
	nodeB.SendNotificationSubscribe("peer-b", notifyKey)

	// allow gossipsub mesh formation
	time.Sleep(300 * time.Millisecond)

	topic := notifyTopicPrefix + "4200000000000000000000000000000000000000000000000000000000000000"
	if err := nodeB.publish(topic, []byte("cube-bytes")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sinkA.deliveryCount() > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sinkA.deliveryCount() == 0 {
		t.Fatalf("expected node A to receive the cube gossiped by node B")
	}
}

func TestOnlinePeersReflectsBootstrap(t *testing.T) {
	sinkA := &recordingSink{}
	nodeA := newLoopbackNode(t, sinkA, nil)

	sinkB := &recordingSink{}
	nodeB := newLoopbackNode(t, sinkB, []string{addrOf(nodeA)})

	// Only the dialing side records the peer it bootstrapped to (dialSeeds
	// registers it directly); the listening side only learns about peers
	// through its own dials or mDNS discovery, neither of which fires here.
	if len(nodeB.OnlinePeers()) == 0 {
		t.Fatalf("expected node B to record node A as an online peer after bootstrap dial")
	}
}
