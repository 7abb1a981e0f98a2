package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"verity/internal/cube"
	"verity/internal/store"
	"verity/internal/transport"
)

type fakeNet struct {
	mu      sync.Mutex
	online  []transport.PeerID
	keyReqs [][cube.KeySize]byte
	subReqs [][cube.KeySize]byte
}

func (f *fakeNet) SendKeyRequest(peer transport.PeerID, keys [][cube.KeySize]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyReqs = append(f.keyReqs, keys...)
}

func (f *fakeNet) SendNotificationSubscribe(peer transport.PeerID, notifyKey [cube.KeySize]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subReqs = append(f.subReqs, notifyKey)
}

func (f *fakeNet) OnlinePeers() []transport.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.PeerID(nil), f.online...)
}

func buildFrozen(t *testing.T, payload string) []byte {
	t.Helper()
	c := cube.New(cube.KindFrozen, false)
	_ = c.AddField(cube.TLVPayload, []byte(payload))
	c.SetDate(time.Unix(1700000000, 0))
	data, err := cube.Encode(context.Background(), c, cube.EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestRequestCubeResolvesOnDelivery(t *testing.T) {
	net := &fakeNet{online: []transport.PeerID{"peer-a"}}
	s := store.New(nil, cube.ParserCCI, 0, nil)
	sched := New(net, NewRandomSelector(1), s, Config{DefaultTimeout: time.Second}, nil)

	data := buildFrozen(t, "hello")
	c, err := cube.Decode(data, cube.ParserCCI, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	key := cube.Key(c, data)

	resultCh := make(chan *store.CubeInfo, 1)
	errCh := make(chan error, 1)
	go func() {
		info, err := sched.RequestCube(context.Background(), key, 0, time.Second)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- info
	}()

	time.Sleep(20 * time.Millisecond)
	sched.OnCubesDelivered([]transport.Delivery{{Bytes: data, From: "peer-a"}})

	select {
	case info := <-resultCh:
		if info.KeyString == "" {
			t.Fatalf("empty key string")
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for resolution")
	}
}

func TestRequestCubeDedupSingleDispatch(t *testing.T) {
	net := &fakeNet{online: []transport.PeerID{"peer-a"}}
	s := store.New(nil, cube.ParserCCI, 0, nil)
	sched := New(net, NewRandomSelector(1), s, Config{DefaultTimeout: time.Second}, nil)

	data := buildFrozen(t, "dup")
	c, _ := cube.Decode(data, cube.ParserCCI, 0)
	key := cube.Key(c, data)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = sched.RequestCube(context.Background(), key, 0, time.Second)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	sched.OnCubesDelivered([]transport.Delivery{{Bytes: data, From: "peer-a"}})
	wg.Wait()

	net.mu.Lock()
	defer net.mu.Unlock()
	if len(net.keyReqs) != 1 {
		t.Fatalf("expected exactly one dispatched key request, got %d", len(net.keyReqs))
	}
}

func TestRequestCubeUnavailableWithNoPeers(t *testing.T) {
	net := &fakeNet{}
	s := store.New(nil, cube.ParserCCI, 0, nil)
	sched := New(net, NewRandomSelector(1), s, Config{DefaultTimeout: 50 * time.Millisecond}, nil)

	var key [cube.KeySize]byte
	_, err := sched.RequestCube(context.Background(), key, 0, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected unavailable error with no online peers")
	}
}

func TestRequestCubeContextCancelDetaches(t *testing.T) {
	net := &fakeNet{online: []transport.PeerID{"peer-a"}}
	s := store.New(nil, cube.ParserCCI, 0, nil)
	sched := New(net, NewRandomSelector(1), s, Config{DefaultTimeout: 5 * time.Second}, nil)

	var key [cube.KeySize]byte
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, err := sched.RequestCube(ctx, key, 0, 5*time.Second)
		if err == nil {
			t.Errorf("expected cancellation error")
		}
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("cancellation did not unblock waiter")
	}

	pk := pendingKey{kind: KindCube, key: key}
	sched.mu.Lock()
	_, stillPending := sched.pending[pk]
	sched.mu.Unlock()
	if stillPending {
		t.Fatalf("expected pending entry to be cleaned up after last waiter detached")
	}
}

func TestRequestNotificationsForwardsMatchingCube(t *testing.T) {
	net := &fakeNet{online: []transport.PeerID{"peer-a"}}
	s := store.New(nil, cube.ParserCCI, 0, nil)
	sched := New(net, NewRandomSelector(1), s, Config{DefaultTimeout: time.Second}, nil)

	var notifyKey [cube.KeySize]byte
	notifyKey[0] = 0xAB

	stream, cancel := sched.RequestNotifications(notifyKey)
	defer cancel()

	c := cube.New(cube.KindFrozen, false)
	_ = c.AddField(cube.TLVPayload, []byte("matches"))
	_ = c.AddField(cube.TLVNotify, notifyKey[:])
	c.SetDate(time.Unix(1700000001, 0))
	data, err := cube.Encode(context.Background(), c, cube.EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	sched.OnCubesDelivered([]transport.Delivery{{Bytes: data, From: "peer-a"}})

	select {
	case info := <-stream:
		if !info.HasNotifyKey || info.NotifyKey != notifyKey {
			t.Fatalf("delivered cube did not carry expected notify key")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notification forward")
	}
}

func TestSchedulerShutdownRejectsWaiters(t *testing.T) {
	net := &fakeNet{online: []transport.PeerID{"peer-a"}}
	s := store.New(nil, cube.ParserCCI, 0, nil)
	sched := New(net, NewRandomSelector(1), s, Config{DefaultTimeout: 5 * time.Second}, nil)

	var key [cube.KeySize]byte
	errCh := make(chan error, 1)
	go func() {
		_, err := sched.RequestCube(context.Background(), key, 0, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sched.Shutdown()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected shutdown error")
		}
	case <-time.After(time.Second):
		t.Fatalf("shutdown did not unblock waiter")
	}
}
