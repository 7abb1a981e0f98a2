package retrieval

import (
	"context"
	"testing"
	"time"

	"verity/internal/cube"
	"verity/internal/schedule"
	"verity/internal/store"
	"verity/internal/transport"
)

type fakeNet struct {
	online []transport.PeerID
}

func (f *fakeNet) SendKeyRequest(peer transport.PeerID, keys [][cube.KeySize]byte)              {}
func (f *fakeNet) SendNotificationSubscribe(peer transport.PeerID, notifyKey [cube.KeySize]byte) {}
func (f *fakeNet) OnlinePeers() []transport.PeerID                                                { return f.online }

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

func TestGetCubeInfoLocalHit(t *testing.T) {
	cs := store.New(nil, cube.ParserCCI, 0, nil)
	sched := schedule.New(&fakeNet{}, schedule.NewRandomSelector(1), cs, schedule.Config{}, nil)
	r := New(cs, sched)

	data := buildFrozen(t, "local")
	info, err := cs.AddCube(data)
	if err != nil {
		t.Fatalf("add cube: %v", err)
	}

	got, ok, err := r.GetCubeInfo(context.Background(), info.Key, Options{})
	if err != nil || !ok {
		t.Fatalf("expected local hit, ok=%v err=%v", ok, err)
	}
	if got.KeyString != info.KeyString {
		t.Fatalf("key mismatch")
	}
}

func TestGetCubeInfoMissTimesOutToNotFound(t *testing.T) {
	cs := store.New(nil, cube.ParserCCI, 0, nil)
	sched := schedule.New(&fakeNet{online: []transport.PeerID{"peer-a"}}, schedule.NewRandomSelector(1), cs, schedule.Config{DefaultTimeout: 30 * time.Millisecond}, nil)
	r := New(cs, sched)

	var key [cube.KeySize]byte
	info, ok, err := r.GetCubeInfo(context.Background(), key, Options{Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("expected nil error on timeout, got %v", err)
	}
	if ok || info != nil {
		t.Fatalf("expected no hit for unreachable key")
	}
}

func TestGetNotificationsLocalOnly(t *testing.T) {
	cs := store.New(nil, cube.ParserCCI, 0, nil)
	sched := schedule.New(&fakeNet{}, schedule.NewRandomSelector(1), cs, schedule.Config{}, nil)
	r := New(cs, sched)

	var notifyKey [cube.KeySize]byte
	notifyKey[0] = 0x42
	c := cube.New(cube.KindFrozen, false)
	_ = c.AddField(cube.TLVPayload, []byte("matches"))
	_ = c.AddField(cube.TLVNotify, notifyKey[:])
	c.SetDate(time.Unix(1700000002, 0))
	data, err := cube.Encode(context.Background(), c, cube.EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := cs.AddCube(data); err != nil {
		t.Fatalf("add cube: %v", err)
	}

	matches := r.GetNotifications(notifyKey)
	if len(matches) != 1 {
		t.Fatalf("expected 1 local match, got %d", len(matches))
	}
}

func TestSubscribeNotificationsMergesLocalAndLive(t *testing.T) {
	cs := store.New(nil, cube.ParserCCI, 0, nil)
	sched := schedule.New(&fakeNet{online: []transport.PeerID{"peer-a"}}, schedule.NewRandomSelector(1), cs, schedule.Config{DefaultTimeout: time.Second}, nil)
	r := New(cs, sched)

	var notifyKey [cube.KeySize]byte
	notifyKey[0] = 0x7

	existing := cube.New(cube.KindFrozen, false)
	_ = existing.AddField(cube.TLVPayload, []byte("already-here"))
	_ = existing.AddField(cube.TLVNotify, notifyKey[:])
	existing.SetDate(time.Unix(1700000003, 0))
	existingData, _ := cube.Encode(context.Background(), existing, cube.EncodeOptions{})
	if _, err := cs.AddCube(existingData); err != nil {
		t.Fatalf("add existing: %v", err)
	}

	stream, cancel := r.SubscribeNotifications(notifyKey)
	defer cancel()

	select {
	case info := <-stream:
		if !info.HasNotifyKey {
			t.Fatalf("expected existing local match to arrive first")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for local replay")
	}

	fresh := cube.New(cube.KindFrozen, false)
	_ = fresh.AddField(cube.TLVPayload, []byte("just-arrived"))
	_ = fresh.AddField(cube.TLVNotify, notifyKey[:])
	fresh.SetDate(time.Unix(1700000004, 0))
	freshData, _ := cube.Encode(context.Background(), fresh, cube.EncodeOptions{})
	if _, err := cs.AddCube(freshData); err != nil {
		t.Fatalf("add fresh: %v", err)
	}

	select {
	case info := <-stream:
		payload, _ := func() ([]byte, bool) {
			c, err := info.Cube(0)
			if err != nil {
				return nil, false
			}
			return c.Field(cube.TLVPayload)
		}()
		if string(payload) != "just-arrived" {
			t.Fatalf("expected freshly admitted cube forwarded via store events, got %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for live local forward")
	}
}
