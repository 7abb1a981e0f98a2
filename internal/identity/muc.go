package identity

import (
	"context"
	"fmt"
	"time"

	"verity/internal/cube"
	"verity/internal/store"
	"verity/internal/verrors"
)

// errMinMucRebuildDelay reports a Store() call arriving before
// minMucRebuildDelay has elapsed since the last publish. Not part of the
// spec §7 error taxonomy: it is a caller-pacing signal, not a failure of
// any core operation.
func errMinMucRebuildDelay(remaining time.Duration) error {
	return fmt.Errorf("store: minMucRebuildDelay not yet elapsed (%s remaining)", remaining)
}

// attachStoreListener starts a background goroutine diffing every future
// cube admitted under this identity's own key against current state (spec
// §4.6 "Update merge (concurrent authorship)"). Gated by
// params.SubscribeRemoteChanges (spec §6.4): when disabled, an identity
// never reacts to remote MUC updates of itself.
func (id *Identity) attachStoreListener() {
	if id.cubeStore == nil || !id.params.SubscribeRemoteChanges {
		return
	}
	id.mu.Lock()
	if id.listenerOn {
		id.mu.Unlock()
		return
	}
	id.listenerOn = true
	id.listenDone = make(chan struct{})
	done := id.listenDone
	id.mu.Unlock()

	events := id.cubeStore.Subscribe(16, done)
	go func() {
		for ev := range events {
			if ev.Kind != store.EventCubeAdded || ev.Info == nil || ev.Info.Key != id.PublicKey {
				continue
			}
			c, err := ev.Info.Cube(0)
			if err != nil {
				id.logger.WithError(err).Warn("identity: failed to rematerialize own root cube update")
				continue
			}
			id.mu.Lock()
			id.applyRootCubeLocked(c)
			id.mu.Unlock()
		}
	}()
}

// Close detaches the store listener. Safe to call once.
func (id *Identity) Close() {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.listenerOn {
		close(id.listenDone)
		id.listenerOn = false
	}
	id.bus.shutdown()
}

// applyRootCubeLocked parses fields from an observed root MUC, diffs them
// against current state, and emits postAdded/updated events (spec §4.6
// "Update merge"). Callers must hold id.mu.
func (id *Identity) applyRootCubeLocked(c *cube.Cube) {
	oldPosts := make(map[[cube.KeySize]byte]bool, len(id.postKeys))
	for _, k := range id.postKeys {
		oldPosts[k] = true
	}
	oldName := id.name
	oldAvatar := append([]byte(nil), id.avatarSeed...)

	var newPosts, newSubs, newRecs [][cube.KeySize]byte
	for _, rel := range c.Relationships() {
		switch rel.Type {
		case cube.RelationshipMyPost:
			newPosts = append(newPosts, rel.RemoteKey)
		case cube.RelationshipSubscriptionRecommendation:
			newRecs = append(newRecs, rel.RemoteKey)
		}
	}
	if v, ok := c.Field(cube.TLVUsername); ok {
		id.name = string(v)
	}
	if v, ok := c.Field(tlvAvatarSeed); ok {
		id.avatarSeed = append([]byte(nil), v...)
	}
	id.updateCount = c.PMUCUpdateCount()
	_ = newSubs // subscriptions are locally owned state, not republished by peers into our own view

	// Diff posts: new keys not previously known are appended and emit
	// postAdded (spec §4.6 step 2 "Emits postAdded for each new post").
	// Entries missing from the incoming cube are left untouched (spec
	// §4.6 "removed entries stay referenced, cubes don't disappear").
	for _, k := range newPosts {
		if !oldPosts[k] {
			id.postKeys = append(id.postKeys, k)
			id.bus.publish(Event{Kind: EventPostAdded, PostKey: k})
		}
	}
	id.recommendedKeys = newRecs

	if oldName != id.name || string(oldAvatar) != string(id.avatarSeed) {
		id.bus.publish(Event{Kind: EventUpdated})
	}
}

// Store compiles and publishes a root MUC (and, if needed, extension MUCs)
// reflecting current Identity state (spec §4.6 "Serialization (makeMUC /
// PMUC)"). It is throttled by params.MinMucRebuildDelay (spec "Enforce
// minMucRebuildDelay between successive stores") and is the only path that
// mutates the store on this identity's behalf (spec §5 "the store() method
// is the only path that compiles and publishes").
func (id *Identity) Store(ctx context.Context, requiredDifficulty int) error {
	id.mu.Lock()
	if !id.owned {
		id.mu.Unlock()
		return verrors.Crypto("identity is read-only; supply a master key before storing")
	}
	if since := time.Since(id.lastStoreAt); id.lastStoreAt.After(time.Time{}) && since < id.params.MinMucRebuildDelay {
		id.mu.Unlock()
		return errMinMucRebuildDelay(id.params.MinMucRebuildDelay - since)
	}

	posts := append([][cube.KeySize]byte(nil), id.postKeys...)
	recs := append([][cube.KeySize]byte(nil), id.recommendedKeys...)
	name := id.name
	avatar := append([]byte(nil), id.avatarSeed...)
	signKey := id.signKey
	masterSeed := append([]byte(nil), id.masterSeed...)
	id.updateCount++
	updateCount := id.updateCount
	extIdx := id.nextExtensionIdx
	id.mu.Unlock()

	baseFields := []cube.Field{
		{Type: cube.TLVApplication, Value: []byte(id.params.ApplicationString)},
		{Type: cube.TLVUsername, Value: []byte(name)},
	}
	if len(avatar) > 0 {
		baseFields = append(baseFields, cube.Field{Type: tlvAvatarSeed, Value: avatar})
	}

	// Reserve space for the fields added after the fit loop below: the
	// PMUC_UPDATE_COUNT field is always appended, and the CONTINUED_IN
	// extension link is appended whenever posts overflow into an extension
	// MUC — reserving it unconditionally keeps the fit loop from packing
	// the root cube so tight that adding the link itself overflows it. The
	// header of the PADDING field the encoder always appends is reserved too.
	budget := rootTLVBudget() - pmucUpdateCountFieldSize() - relatesToFieldSize() - 2
	used := fieldsSize(baseFields)

	// Newest posts first (spec §4.6 "a sequence of RELATES_TO(MYPOST, key)
	// for the newest posts that fit").
	var fitPosts [][cube.KeySize]byte
	for i := len(posts) - 1; i >= 0; i-- {
		cost := relatesToFieldSize()
		if used+cost > budget {
			break
		}
		used += cost
		fitPosts = append([][cube.KeySize]byte{posts[i]}, fitPosts...)
	}
	overflowPosts := posts[:len(posts)-len(fitPosts)]

	var fitRecs [][cube.KeySize]byte
	for i := len(recs) - 1; i >= 0; i-- {
		cost := relatesToFieldSize()
		if used+cost > budget {
			break
		}
		used += cost
		fitRecs = append([][cube.KeySize]byte{recs[i]}, fitRecs...)
	}

	var extensionKey *[cube.KeySize]byte
	if len(overflowPosts) > 0 {
		k, err := id.storeExtension(ctx, masterSeed, extIdx, overflowPosts, requiredDifficulty)
		if err != nil {
			return err
		}
		extensionKey = &k
		id.mu.Lock()
		id.nextExtensionIdx++
		id.mu.Unlock()
	}

	root := cube.New(cube.KindPMUC, false)
	for _, f := range baseFields {
		if err := root.AddField(f.Type, f.Value); err != nil {
			return verrors.Codec("build root muc: %v", err)
		}
	}
	for _, k := range fitPosts {
		if err := root.AddRelationship(cube.RelationshipMyPost, k); err != nil {
			return verrors.Codec("add mypost relationship: %v", err)
		}
	}
	for _, k := range fitRecs {
		if err := root.AddRelationship(cube.RelationshipSubscriptionRecommendation, k); err != nil {
			return verrors.Codec("add subscription recommendation: %v", err)
		}
	}
	if extensionKey != nil {
		if err := root.AddRelationship(cube.RelationshipContinuedIn, *extensionKey); err != nil {
			return verrors.Codec("link extension muc: %v", err)
		}
	}
	if err := root.AddField(cube.TLVPMUCUpdateCount, encodeUint64BE(updateCount)); err != nil {
		return verrors.Codec("set update count: %v", err)
	}

	data, err := cube.Encode(ctx, root, cube.EncodeOptions{SigningKey: signKey, RequiredDifficulty: requiredDifficulty})
	if err != nil {
		return verrors.Codec("encode root muc: %v", err)
	}
	if _, err := id.cubeStore.AddCube(data); err != nil {
		return err
	}

	id.mu.Lock()
	id.lastStoreAt = time.Now()
	id.mu.Unlock()
	return nil
}

// storeExtension sculpts and publishes one extension MUC holding overflow
// posts, signed by a subkey derived from the identity's master seed (spec
// §4.6 "sculpt extension MUCs under derived subkeys").
func (id *Identity) storeExtension(ctx context.Context, masterSeed []byte, idx uint32, posts [][cube.KeySize]byte, requiredDifficulty int) ([cube.KeySize]byte, error) {
	extKey, err := ExtensionSubkey(masterSeed, idx)
	if err != nil {
		return [cube.KeySize]byte{}, err
	}

	ext := cube.New(cube.KindMUC, false)
	idxBytes := make([]byte, 4)
	idxBytes[0] = byte(idx >> 24)
	idxBytes[1] = byte(idx >> 16)
	idxBytes[2] = byte(idx >> 8)
	idxBytes[3] = byte(idx)
	if err := ext.AddField(cube.TLVSubkeySeed, idxBytes); err != nil {
		return [cube.KeySize]byte{}, verrors.Codec("set subkey seed: %v", err)
	}
	for _, k := range posts {
		if err := ext.AddRelationship(cube.RelationshipMyPost, k); err != nil {
			return [cube.KeySize]byte{}, verrors.Codec("extension mypost relationship: %v", err)
		}
	}

	data, err := cube.Encode(ctx, ext, cube.EncodeOptions{SigningKey: extKey, RequiredDifficulty: requiredDifficulty})
	if err != nil {
		return [cube.KeySize]byte{}, verrors.Codec("encode extension muc: %v", err)
	}
	info, err := id.cubeStore.AddCube(data)
	if err != nil {
		return [cube.KeySize]byte{}, err
	}
	return info.Key, nil
}

// rootTLVBudget is the TLV region size available on an MUC-family cube
// (spec §6.1 layout: 1024 - front(33) - back(73)).
func rootTLVBudget() int {
	return cube.Size - 1 - cube.KeySize - 5 - 4 - 64
}

func relatesToFieldSize() int {
	return 2 + 1 + cube.KeySize // tlv header + relationship type byte + key
}

// pmucUpdateCountFieldSize is the encoded size of the PMUC_UPDATE_COUNT
// field Store always appends after the fit loop.
func pmucUpdateCountFieldSize() int {
	return 2 + 8 // tlv header + uint64 big-endian value
}

func fieldsSize(fields []cube.Field) int {
	n := 0
	for _, f := range fields {
		n += 2 + len(f.Value)
	}
	return n
}
