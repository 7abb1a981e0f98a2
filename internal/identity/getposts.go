package identity

import (
	"context"
	"sync"

	"verity/internal/cube"
	"verity/internal/retrieval"
)

// Post is one item yielded by GetPosts: a resolved cube plus the identity
// that authored it (spec §4.6 "Each yielded item carries the authoring
// Identity reference").
type Post struct {
	Key       [cube.KeySize]byte
	Cube      *cube.Cube
	AuthorKey [cube.KeySize]byte
}

// GetPostsOptions tunes a single GetPosts call (spec §4.6 "getPosts").
type GetPostsOptions struct {
	// Depth overrides params.SubscriptionRecursionDepth; negative means
	// "use the default".
	Depth int
	// Subscribe makes the stream unbounded, following postAdded events
	// after the backlog drains (spec "In subscribe mode the stream is
	// unbounded").
	Subscribe bool
}

type exclusionSet struct {
	mu   sync.Mutex
	seen map[[cube.KeySize]byte]bool
}

func newExclusionSet() *exclusionSet {
	return &exclusionSet{seen: make(map[[cube.KeySize]byte]bool)}
}

// tryMark returns true (and marks k seen) only the first time k is seen,
// preventing cycles when subscriptions reference each other (spec §4.6
// "excluding any key in recursionExclude (cycle prevention on discovery)").
func (e *exclusionSet) tryMark(k [cube.KeySize]byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen[k] {
		return false
	}
	e.seen[k] = true
	return true
}

// GetPosts streams this identity's own posts and, up to the configured
// recursion depth, those of its subscribed identities (spec §4.6
// "getPosts"). existingYielded closes once this identity's own backlog has
// been enqueued, marking the boundary between backlog and live forwarding
// (spec "existingYielded future signals the boundary between backlog and
// live"); recursive subscriptions are dispatched concurrently rather than
// awaited before that boundary, since their own backlog/live split is
// independent of this identity's.
func (id *Identity) GetPosts(ctx context.Context, opts GetPostsOptions) (<-chan Post, <-chan struct{}) {
	out := make(chan Post, 64)
	existingYielded := make(chan struct{})

	depth := opts.Depth
	if depth < 0 {
		depth = id.params.SubscriptionRecursionDepth
	}

	excl := newExclusionSet()
	excl.tryMark(id.PublicKey)

	go func() {
		defer close(out)
		var wg sync.WaitGroup
		id.streamOwnAndRecurse(ctx, depth, opts.Subscribe, out, excl, &wg)
		close(existingYielded)
		wg.Wait()
	}()

	return out, existingYielded
}

func (id *Identity) streamOwnAndRecurse(ctx context.Context, depth int, subscribe bool, out chan<- Post, excl *exclusionSet, wg *sync.WaitGroup) {
	for _, k := range id.PostKeys() {
		c, ok, err := id.retriever.GetCube(ctx, k, retrieval.Options{})
		if err != nil || !ok {
			continue
		}
		select {
		case out <- Post{Key: k, Cube: c, AuthorKey: id.PublicKey}:
		case <-ctx.Done():
			return
		}
	}

	if depth > 0 && id.resolver != nil {
		for _, sk := range id.SubscribedKeys() {
			if !excl.tryMark(sk) {
				continue
			}
			sk := sk
			wg.Add(1)
			go func() {
				defer wg.Done()
				sub, err := id.resolver.Retrieve(ctx, sk)
				if err != nil || sub == nil {
					return
				}
				sub.streamOwnAndRecurse(ctx, depth-1, subscribe, out, excl, wg)
			}()
		}
	}

	// The live-subscribe loop runs in its own goroutine, exactly like a
	// recursion child, so that the caller's existingYielded boundary can
	// close once backlog and recursion are dispatched instead of waiting
	// on this identity's own unbounded live forwarding.
	if subscribe {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id.liveSubscribeLoop(ctx, out)
		}()
	}
}

// liveSubscribeLoop forwards postAdded events for id until ctx is
// cancelled or the event stream closes.
func (id *Identity) liveSubscribeLoop(ctx context.Context, out chan<- Post) {
	done := make(chan struct{})
	defer close(done)
	events := id.Events(16, done)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != EventPostAdded {
				continue
			}
			c, ok, err := id.retriever.GetCube(ctx, ev.PostKey, retrieval.Options{})
			if err != nil || !ok {
				continue
			}
			select {
			case out <- Post{Key: ev.PostKey, Cube: c, AuthorKey: id.PublicKey}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
