package identity

import (
	"context"
	"sync"

	"verity/internal/cube"
)

// NotifyingIdentitiesOptions tunes NotifyingIdentities (spec §4.7
// "notifyingIdentities(retriever, notifyKey, store, {subscribe})").
type NotifyingIdentitiesOptions struct {
	Subscribe bool
}

// NotifyingIdentities streams Identity objects whose root cubes carry a
// NOTIFY field matching notifyKey, deduplicated by key (spec §4.7). In
// subscribe mode the stream never terminates and new identities appear as
// their root MUCs arrive.
func (s *IdentityStore) NotifyingIdentities(ctx context.Context, notifyKey [cube.KeySize]byte, opts NotifyingIdentitiesOptions) <-chan *Identity {
	out := make(chan *Identity, 16)

	go func() {
		defer close(out)
		var mu sync.Mutex
		seen := make(map[[cube.KeySize]byte]bool)

		handle := func(key [cube.KeySize]byte) {
			mu.Lock()
			if seen[key] {
				mu.Unlock()
				return
			}
			seen[key] = true
			mu.Unlock()

			id, err := s.Retrieve(ctx, key)
			if err != nil || id == nil {
				return
			}
			select {
			case out <- id:
			case <-ctx.Done():
			}
		}

		for _, info := range s.retriever.GetNotifications(notifyKey) {
			if !info.Kind.IsMUCFamily() {
				continue
			}
			handle(info.Key)
		}

		if !opts.Subscribe {
			return
		}

		stream, cancel := s.retriever.SubscribeNotifications(notifyKey)
		defer cancel()
		for {
			select {
			case info, ok := <-stream:
				if !ok {
					return
				}
				if info.Kind.IsMUCFamily() {
					handle(info.Key)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
