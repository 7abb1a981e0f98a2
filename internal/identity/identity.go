// Package identity implements Identity (spec §4.6, C7) and IdentityStore /
// notifyingIdentities (spec §4.7, C8): the self-sovereign root-MUC
// aggregate, its HD key derivation, post/subscription bookkeeping, and
// recursive post retrieval.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"verity/internal/cube"
	"verity/internal/retrieval"
	"verity/internal/store"
	"verity/internal/verrors"
)

// tlvAvatarSeed is an application-specific TLV code (spec §3.1 "app-specific
// ≥32") carrying the identity's avatar seed bytes.
const tlvAvatarSeed cube.TLVType = 32

// EventKind distinguishes the two Identity event types spec §5 names
// ("postAdded events fire ... ", "... fires updated").
type EventKind uint8

const (
	EventPostAdded EventKind = iota
	EventUpdated
)

// Event is delivered to Identity listeners (used internally by GetPosts'
// live stage and externally by consumers wanting update notifications).
type Event struct {
	Kind    EventKind
	PostKey [cube.KeySize]byte // valid when Kind == EventPostAdded
}

// Resolver looks up other identities by public key, used for recursive
// subscription traversal (spec §4.6 "getPosts"). IdentityStore implements
// this.
type Resolver interface {
	Retrieve(ctx context.Context, key [cube.KeySize]byte) (*Identity, error)
}

// Identity is the spec's Identity aggregate (C7).
type Identity struct {
	PublicKey [cube.KeySize]byte

	params   Params
	cubeStore *store.CubeStore
	retriever *retrieval.Retriever
	resolver  Resolver
	logger    *logrus.Logger

	mu               sync.Mutex
	owned            bool
	masterSeed       []byte
	signKey          ed25519.PrivateKey
	name             string
	avatarSeed       []byte
	postKeys         [][cube.KeySize]byte
	subscribedKeys   [][cube.KeySize]byte
	recommendedKeys  [][cube.KeySize]byte
	updateCount      uint64
	lastStoreAt      time.Time
	nextExtensionIdx uint32

	ready     chan struct{}
	readyOnce sync.Once

	bus        eventBus
	listenerOn bool
	listenDone chan struct{}
}

// New constructs an owned Identity from a master seed (spec §4.6
// "Owned: derive from master seed via key-derivation").
func New(masterSeed []byte, name string, params Params, cs *store.CubeStore, retriever *retrieval.Retriever, resolver Resolver, logger *logrus.Logger) (*Identity, error) {
	signKey, err := RootSignKey(masterSeed, params)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	id := &Identity{
		params:     params,
		cubeStore:  cs,
		retriever:  retriever,
		resolver:   resolver,
		logger:     logger,
		owned:      true,
		masterSeed: append([]byte(nil), masterSeed...),
		signKey:    signKey,
		name:       name,
		ready:      make(chan struct{}),
	}
	pub := signKey.Public().(ed25519.PublicKey)
	copy(id.PublicKey[:], pub)
	close(id.ready)
	id.attachStoreListener()
	return id, nil
}

// NewReadOnly constructs an Identity from an observed root MUC, with no
// signing capability until SupplyMasterKey is called (spec §4.6
// "Read-only: given an observed root MUC, parse fields").
func NewReadOnly(rootCube *cube.Cube, cs *store.CubeStore, retriever *retrieval.Retriever, resolver Resolver, params Params, logger *logrus.Logger) (*Identity, error) {
	if !rootCube.Kind().IsMUCFamily() {
		return nil, verrors.Codec("identity root cube must be MUC-family, got %s", rootCube.Kind())
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	id := &Identity{
		params:    params,
		cubeStore: cs,
		retriever: retriever,
		resolver:  resolver,
		logger:    logger,
		owned:     false,
		ready:     make(chan struct{}),
	}
	id.PublicKey = rootCube.PublicKey()
	id.applyRootCubeLocked(rootCube)
	close(id.ready)
	id.attachStoreListener()
	return id, nil
}

// SupplyMasterKey upgrades a read-only Identity to owned, verifying the
// derived public key matches the observed one (spec §4.6 "owned-ness is
// upgradeable later via supplyMasterKey").
func (id *Identity) SupplyMasterKey(masterSeed []byte) error {
	signKey, err := RootSignKey(masterSeed, id.params)
	if err != nil {
		return err
	}
	pub := signKey.Public().(ed25519.PublicKey)
	var derived [cube.KeySize]byte
	copy(derived[:], pub)

	id.mu.Lock()
	defer id.mu.Unlock()
	if derived != id.PublicKey {
		return verrors.Crypto("supplied master key derives a different identity key")
	}
	id.masterSeed = append([]byte(nil), masterSeed...)
	id.signKey = signKey
	id.owned = true
	return nil
}

// Ready is closed once construction has finished (always immediately for
// this implementation; kept for parity with spec §4.6's "a ready promise").
func (id *Identity) Ready() <-chan struct{} { return id.ready }

// Owned reports whether this Identity can sign and publish.
func (id *Identity) Owned() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.owned
}

// Name, AvatarSeed, PostKeys, SubscribedKeys return snapshots of Identity
// state (spec §4.6 "State").
func (id *Identity) Name() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.name
}

func (id *Identity) SetName(name string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.name = name
}

func (id *Identity) AvatarSeed() []byte {
	id.mu.Lock()
	defer id.mu.Unlock()
	return append([]byte(nil), id.avatarSeed...)
}

func (id *Identity) SetAvatarSeed(seed []byte) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.avatarSeed = append([]byte(nil), seed...)
}

func (id *Identity) PostKeys() [][cube.KeySize]byte {
	id.mu.Lock()
	defer id.mu.Unlock()
	return append([][cube.KeySize]byte(nil), id.postKeys...)
}

// AddPost appends key to the end of the post list (spec §4.6 "set of post
// keys (insertion-ordered)"); it takes effect on the next Store().
func (id *Identity) AddPost(key [cube.KeySize]byte) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.postKeys = append(id.postKeys, key)
}

func (id *Identity) SubscribedKeys() [][cube.KeySize]byte {
	id.mu.Lock()
	defer id.mu.Unlock()
	return append([][cube.KeySize]byte(nil), id.subscribedKeys...)
}

// Subscribe adds key to the set of subscribed identities.
func (id *Identity) Subscribe(key [cube.KeySize]byte) {
	id.mu.Lock()
	defer id.mu.Unlock()
	for _, k := range id.subscribedKeys {
		if k == key {
			return
		}
	}
	id.subscribedKeys = append(id.subscribedKeys, key)
}

// RecommendSubscription appends key to the recommended-subscription list
// serialized alongside the root MUC.
func (id *Identity) RecommendSubscription(key [cube.KeySize]byte) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.recommendedKeys = append(id.recommendedKeys, key)
}

// Events subscribes to this Identity's postAdded/updated stream; done
// should be closed by the caller to unregister.
func (id *Identity) Events(bufferSize int, done <-chan struct{}) <-chan Event {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.bus.subscribe(bufferSize, done)
}

func encodeUint64BE(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}
