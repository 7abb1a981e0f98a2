package identity

import (
	"context"
	"testing"
	"time"

	"verity/internal/cube"
	"verity/internal/schedule"
	"verity/internal/store"
	"verity/internal/retrieval"
	"verity/internal/transport"
)

type fakeNet struct{}

func (fakeNet) SendKeyRequest(transport.PeerID, [][cube.KeySize]byte)              {}
func (fakeNet) SendNotificationSubscribe(transport.PeerID, [cube.KeySize]byte)      {}
func (fakeNet) OnlinePeers() []transport.PeerID                                     { return nil }

func newHarness(t *testing.T) (*store.CubeStore, *retrieval.Retriever, *IdentityStore) {
	t.Helper()
	cs := store.New(nil, cube.ParserCCI, 0, nil)
	sched := schedule.New(fakeNet{}, schedule.NewRandomSelector(1), cs, schedule.Config{DefaultTimeout: 50 * time.Millisecond}, nil)
	r := retrieval.New(cs, sched)
	params := DefaultParams()
	params.MinMucRebuildDelay = 0
	is := NewStore(cs, r, params, nil)
	return cs, r, is
}

func addFrozenPost(t *testing.T, cs *store.CubeStore, payload string) [cube.KeySize]byte {
	t.Helper()
	c := cube.New(cube.KindFrozen, false)
	_ = c.AddField(cube.TLVPayload, []byte(payload))
	c.SetDate(time.Unix(1700000000, 0))
	data, err := cube.Encode(context.Background(), c, cube.EncodeOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	info, err := cs.AddCube(data)
	if err != nil {
		t.Fatalf("add post: %v", err)
	}
	return info.Key
}

func TestOwnedIdentityStoreAndReadBack(t *testing.T) {
	cs, r, is := newHarness(t)

	seed, _, err := NewRandomMasterSeed(128)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	params := DefaultParams()
	params.MinMucRebuildDelay = 0

	owner, err := New(seed, "alice", params, cs, r, is, nil)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	is.Put(owner)

	postKey := addFrozenPost(t, cs, "hello world")
	owner.AddPost(postKey)

	if err := owner.Store(context.Background(), 0); err != nil {
		t.Fatalf("store: %v", err)
	}

	info, ok := cs.GetCubeInfo(owner.PublicKey)
	if !ok {
		t.Fatalf("root muc not found in store after Store()")
	}
	rootCube, err := info.Cube(0)
	if err != nil {
		t.Fatalf("materialize root cube: %v", err)
	}

	reader, err := NewReadOnly(rootCube, cs, r, is, params, nil)
	if err != nil {
		t.Fatalf("new read-only identity: %v", err)
	}
	if reader.Name() != "alice" {
		t.Fatalf("expected name alice, got %q", reader.Name())
	}
	posts := reader.PostKeys()
	if len(posts) != 1 || posts[0] != postKey {
		t.Fatalf("expected one post key %x, got %v", postKey, posts)
	}
}

func TestStoreThrottledByMinMucRebuildDelay(t *testing.T) {
	cs, r, is := newHarness(t)
	seed, _, _ := NewRandomMasterSeed(128)
	params := DefaultParams()
	params.MinMucRebuildDelay = time.Hour

	owner, err := New(seed, "bob", params, cs, r, is, nil)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if err := owner.Store(context.Background(), 0); err != nil {
		t.Fatalf("first store: %v", err)
	}
	if err := owner.Store(context.Background(), 0); err == nil {
		t.Fatalf("expected second immediate store to be throttled")
	}
}

func TestSupplyMasterKeyRejectsWrongSeed(t *testing.T) {
	cs, r, is := newHarness(t)
	seed, _, _ := NewRandomMasterSeed(128)
	params := DefaultParams()

	owner, err := New(seed, "carol", params, cs, r, is, nil)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if err := owner.Store(context.Background(), 0); err != nil {
		t.Fatalf("store: %v", err)
	}
	info, _ := cs.GetCubeInfo(owner.PublicKey)
	rootCube, _ := info.Cube(0)

	reader, err := NewReadOnly(rootCube, cs, r, is, params, nil)
	if err != nil {
		t.Fatalf("read-only: %v", err)
	}
	otherSeed, _, _ := NewRandomMasterSeed(128)
	if err := reader.SupplyMasterKey(otherSeed); err == nil {
		t.Fatalf("expected mismatched master key to be rejected")
	}
	if reader.Owned() {
		t.Fatalf("identity must remain read-only after a rejected key")
	}
	if err := reader.SupplyMasterKey(seed); err != nil {
		t.Fatalf("expected matching master key to be accepted: %v", err)
	}
	if !reader.Owned() {
		t.Fatalf("expected identity to become owned after correct key")
	}
}

func TestGetPostsRecursesThroughSubscriptions(t *testing.T) {
	cs, r, is := newHarness(t)
	params := DefaultParams()
	params.MinMucRebuildDelay = 0
	params.SubscriptionRecursionDepth = 1

	friendSeed, _, _ := NewRandomMasterSeed(128)
	friend, err := New(friendSeed, "friend", params, cs, r, is, nil)
	if err != nil {
		t.Fatalf("friend identity: %v", err)
	}
	is.Put(friend)
	friendPost := addFrozenPost(t, cs, "friend post")
	friend.AddPost(friendPost)
	if err := friend.Store(context.Background(), 0); err != nil {
		t.Fatalf("friend store: %v", err)
	}

	ownerSeed, _, _ := NewRandomMasterSeed(128)
	owner, err := New(ownerSeed, "owner", params, cs, r, is, nil)
	if err != nil {
		t.Fatalf("owner identity: %v", err)
	}
	is.Put(owner)
	ownPost := addFrozenPost(t, cs, "owner post")
	owner.AddPost(ownPost)
	owner.Subscribe(friend.PublicKey)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, existingYielded := owner.GetPosts(ctx, GetPostsOptions{Depth: -1})
	seen := make(map[[cube.KeySize]byte]bool)
drain:
	for {
		select {
		case p, ok := <-stream:
			if !ok {
				break drain
			}
			seen[p.Key] = true
		case <-existingYielded:
			// keep draining until the channel itself closes
		case <-ctx.Done():
			break drain
		}
	}

	if !seen[ownPost] {
		t.Fatalf("expected owner's own post in stream")
	}
	if !seen[friendPost] {
		t.Fatalf("expected recursively-resolved friend post in stream")
	}
}
