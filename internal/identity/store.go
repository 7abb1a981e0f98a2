package identity

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"verity/internal/cube"
	"verity/internal/retrieval"
	"verity/internal/store"
	"verity/internal/verrors"
)

// IdentityStore is the spec's key→Identity map (spec §4.7, C8):
// deduplicates concurrent retrieve calls for the same key the same way
// schedule.Scheduler dedups concurrent cube requests for the same key —
// a second caller arriving while the first fetch is in flight attaches to
// it instead of issuing a second fetch.
type IdentityStore struct {
	mu       sync.Mutex
	byKey    map[[cube.KeySize]byte]*Identity
	inFlight map[[cube.KeySize]byte][]chan retrieveResult

	cubeStore *store.CubeStore
	retriever *retrieval.Retriever
	params    Params
	logger    *logrus.Logger
}

type retrieveResult struct {
	id  *Identity
	err error
}

// NewStore wires an IdentityStore. It implements Resolver, so it is
// typically passed to identity.New/NewReadOnly as their resolver argument.
func NewStore(cs *store.CubeStore, retriever *retrieval.Retriever, params Params, logger *logrus.Logger) *IdentityStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &IdentityStore{
		byKey:     make(map[[cube.KeySize]byte]*Identity),
		inFlight:  make(map[[cube.KeySize]byte][]chan retrieveResult),
		cubeStore: cs,
		retriever: retriever,
		params:    params,
		logger:    logger,
	}
}

// Retrieve implements Resolver: returns the cached Identity for key if
// known, otherwise fetches its root cube (local-first, network-fallback
// via the retriever) and constructs a read-only Identity (spec §4.7
// "Deduplicates concurrent retrieve calls: a second caller ... sees the
// same Identity object on completion").
func (s *IdentityStore) Retrieve(ctx context.Context, key [cube.KeySize]byte) (*Identity, error) {
	s.mu.Lock()
	if id, ok := s.byKey[key]; ok {
		s.mu.Unlock()
		return id, nil
	}
	waitCh := make(chan retrieveResult, 1)
	if waiters, inflight := s.inFlight[key]; inflight {
		s.inFlight[key] = append(waiters, waitCh)
		s.mu.Unlock()
		res := <-waitCh
		return res.id, res.err
	}
	s.inFlight[key] = []chan retrieveResult{waitCh}
	s.mu.Unlock()

	id, err := s.fetch(ctx, key)

	s.mu.Lock()
	if err == nil {
		s.byKey[key] = id
	}
	waiters := s.inFlight[key]
	delete(s.inFlight, key)
	s.mu.Unlock()

	for _, w := range waiters {
		w <- retrieveResult{id: id, err: err}
	}
	return id, err
}

func (s *IdentityStore) fetch(ctx context.Context, key [cube.KeySize]byte) (*Identity, error) {
	c, ok, err := s.retriever.GetCube(ctx, key, retrieval.Options{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, verrors.ErrTimeout
	}
	return NewReadOnly(c, s.cubeStore, s.retriever, s, s.params, s.logger)
}

// Put registers an already-constructed Identity (e.g. one built as owned
// via identity.New) so future Retrieve calls for its key return the same
// object instead of rebuilding a read-only copy.
func (s *IdentityStore) Put(id *Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[id.PublicKey] = id
}

// Get returns the cached Identity for key without fetching.
func (s *IdentityStore) Get(key [cube.KeySize]byte) (*Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	return id, ok
}
