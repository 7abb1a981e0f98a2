// Package schedule implements RequestScheduler (spec §4.4, C5): a
// pending-request table deduping outstanding fetches by (kind, key),
// pluggable peer selection, bounded retry-on-timeout, and long-lived
// notification subscriptions that rebind across peer churn.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"verity/internal/cube"
	"verity/internal/store"
	"verity/internal/transport"
	"verity/internal/verrors"
)

// Kind distinguishes the two request families sharing the pending table
// (spec §4.4 "kind ∈ {Cube, NotificationStream}").
type Kind uint8

const (
	KindCube Kind = iota
	KindNotificationStream
)

func (k Kind) String() string {
	if k == KindNotificationStream {
		return "NotificationStream"
	}
	return "Cube"
}

type pendingKey struct {
	kind Kind
	key  [cube.KeySize]byte
}

// CubeAdmitter is the subset of CubeStore the scheduler needs to hand
// delivered bytes into the authoritative index (spec §4.4 step 3 "on
// delivery, validate the bytes against the expected key").
type CubeAdmitter interface {
	AddCube(data []byte) (*store.CubeInfo, error)
	GetCubeInfo(key [cube.KeySize]byte) (*store.CubeInfo, bool)
}

// cubeWaiter is one caller's interest in a single-shot cube fetch.
type cubeWaiter struct {
	id     string
	result chan cubeResult
}

type cubeResult struct {
	info *store.CubeInfo
	err  error
}

// streamWaiter is one caller's interest in a long-lived notification
// subscription.
type streamWaiter struct {
	id  string
	out chan *store.CubeInfo
}

type pendingEntry struct {
	kind       Kind
	key        [cube.KeySize]byte
	peer       transport.PeerID
	havePeer   bool
	retries    int
	cubeWaiter []*cubeWaiter
	streamSubs []*streamWaiter
	timer      *time.Timer
}

// Scheduler is the spec's RequestScheduler (C5). Pending-table access is
// single-threaded behind mu, per spec §5 "RequestScheduler's pending
// table is modified only from the scheduler's task context".
type Scheduler struct {
	mu       sync.Mutex
	pending  map[pendingKey]*pendingEntry
	net      transport.PeerNetwork
	selector PeerSelector
	admitter CubeAdmitter
	logger   *logrus.Logger

	maxRetries     int
	defaultTimeout time.Duration

	closed bool
}

// Config bundles the Scheduler's tunables.
type Config struct {
	MaxRetries     int           // bounded retries before TimeoutError (spec §4.4 step 4)
	DefaultTimeout time.Duration // used when requestCube's timeout? is omitted
}

// New wires a Scheduler against a transport and a CubeStore-like admitter.
func New(net transport.PeerNetwork, selector PeerSelector, admitter CubeAdmitter, cfg Config, logger *logrus.Logger) *Scheduler {
	if selector == nil {
		selector = NewRandomSelector(time.Now().UnixNano())
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	return &Scheduler{
		pending:        make(map[pendingKey]*pendingEntry),
		net:            net,
		selector:       selector,
		admitter:       admitter,
		logger:         logger,
		maxRetries:     cfg.MaxRetries,
		defaultTimeout: cfg.DefaultTimeout,
	}
}

// RequestCube implements spec §4.4 "requestCube(key, scheduleIn?, timeout?)".
// scheduleIn delays the initial dispatch; timeout <= 0 uses the scheduler
// default. Cancelling ctx detaches this caller's waiter without affecting
// others sharing the same pending entry (step 5).
func (s *Scheduler) RequestCube(ctx context.Context, key [cube.KeySize]byte, scheduleIn, timeout time.Duration) (*store.CubeInfo, error) {
	if info, ok := s.admitter.GetCubeInfo(key); ok {
		return info, nil
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	w := &cubeWaiter{id: uuid.NewString(), result: make(chan cubeResult, 1)}
	pk := pendingKey{kind: KindCube, key: key}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, verrors.ErrShuttingDown
	}
	entry, had := s.pending[pk]
	if !had {
		entry = &pendingEntry{kind: KindCube, key: key}
		s.pending[pk] = entry
	}
	entry.cubeWaiter = append(entry.cubeWaiter, w)
	if !had {
		s.scheduleDispatchLocked(pk, entry, scheduleIn, timeout)
	}
	s.mu.Unlock()

	select {
	case res := <-w.result:
		return res.info, res.err
	case <-ctx.Done():
		s.detachCubeWaiter(pk, w)
		return nil, ctx.Err()
	}
}

func (s *Scheduler) scheduleDispatchLocked(pk pendingKey, entry *pendingEntry, scheduleIn, timeout time.Duration) {
	dispatch := func() { s.dispatch(pk, timeout) }
	if scheduleIn <= 0 {
		go dispatch()
		return
	}
	time.AfterFunc(scheduleIn, dispatch)
}

func (s *Scheduler) dispatch(pk pendingKey, timeout time.Duration) {
	s.mu.Lock()
	entry, ok := s.pending[pk]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	peer, ok := s.selector.Select(s.net.OnlinePeers())
	if !ok {
		s.failEntryLocked(pk, entry, verrors.ErrUnavailable)
		s.mu.Unlock()
		return
	}
	entry.peer = peer
	entry.havePeer = true
	entry.timer = time.AfterFunc(timeout, func() { s.onTimeout(pk, timeout) })
	s.mu.Unlock()

	switch entry.kind {
	case KindCube:
		s.net.SendKeyRequest(peer, [][cube.KeySize]byte{pk.key})
	case KindNotificationStream:
		s.net.SendNotificationSubscribe(peer, pk.key)
	}
}

func (s *Scheduler) onTimeout(pk pendingKey, timeout time.Duration) {
	s.mu.Lock()
	entry, ok := s.pending[pk]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	if entry.kind == KindNotificationStream {
		// Subscriptions rebind rather than expire (spec §4.4 "On peer
		// online/offline transitions, the subscription rebinds").
		entry.retries++
		entry.havePeer = false
		s.mu.Unlock()
		s.dispatch(pk, timeout)
		return
	}
	if entry.retries >= s.maxRetries {
		s.failEntryLocked(pk, entry, verrors.ErrTimeout)
		s.mu.Unlock()
		return
	}
	entry.retries++
	entry.havePeer = false
	s.mu.Unlock()
	s.dispatch(pk, timeout)
}

func (s *Scheduler) failEntryLocked(pk pendingKey, entry *pendingEntry, err error) {
	for _, w := range entry.cubeWaiter {
		w.result <- cubeResult{err: err}
	}
	delete(s.pending, pk)
}

func (s *Scheduler) detachCubeWaiter(pk pendingKey, w *cubeWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[pk]
	if !ok {
		return
	}
	for i, existing := range entry.cubeWaiter {
		if existing == w {
			entry.cubeWaiter = append(entry.cubeWaiter[:i], entry.cubeWaiter[i+1:]...)
			break
		}
	}
	if len(entry.cubeWaiter) == 0 {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.pending, pk)
	}
}

// RequestNotifications implements spec §4.4 "requestNotifications(notifyKey)":
// a long-lived stream of cubes whose NOTIFY field matches notifyKey. The
// returned cancel func detaches this caller; when the last caller detaches
// the underlying subscription is torn down.
func (s *Scheduler) RequestNotifications(notifyKey [cube.KeySize]byte) (<-chan *store.CubeInfo, func()) {
	w := &streamWaiter{id: uuid.NewString(), out: make(chan *store.CubeInfo, 16)}
	pk := pendingKey{kind: KindNotificationStream, key: notifyKey}

	s.mu.Lock()
	entry, had := s.pending[pk]
	if !had {
		entry = &pendingEntry{kind: KindNotificationStream, key: notifyKey}
		s.pending[pk] = entry
	}
	entry.streamSubs = append(entry.streamSubs, w)
	if !had {
		s.scheduleDispatchLocked(pk, entry, 0, s.defaultTimeout)
	}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		entry, ok := s.pending[pk]
		if !ok {
			return
		}
		for i, existing := range entry.streamSubs {
			if existing == w {
				entry.streamSubs = append(entry.streamSubs[:i], entry.streamSubs[i+1:]...)
				break
			}
		}
		close(w.out)
		if len(entry.streamSubs) == 0 {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			delete(s.pending, pk)
		}
	}
	return w.out, cancel
}

// OnCubesDelivered implements transport.Sink: delivered frames are admitted
// into the store, then matched against any pending cube waiter or active
// notification subscription (spec §4.4 step 3, "any cube with a matching
// NOTIFY field is forwarded").
func (s *Scheduler) OnCubesDelivered(deliveries []transport.Delivery) {
	for _, d := range deliveries {
		info, err := s.admitter.AddCube(d.Bytes)
		if err != nil {
			s.logger.WithError(err).WithField("peer", d.From).Debug("schedule: delivered bytes rejected on admission")
			continue
		}
		s.resolveCubeWaiters(info)
		s.forwardToStreams(info)
	}
}

func (s *Scheduler) resolveCubeWaiters(info *store.CubeInfo) {
	pk := pendingKey{kind: KindCube, key: info.Key}
	s.mu.Lock()
	entry, ok := s.pending[pk]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, pk)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	waiters := entry.cubeWaiter
	s.mu.Unlock()

	for _, w := range waiters {
		w.result <- cubeResult{info: info}
	}
}

func (s *Scheduler) forwardToStreams(info *store.CubeInfo) {
	if !info.HasNotifyKey {
		return
	}
	pk := pendingKey{kind: KindNotificationStream, key: info.NotifyKey}
	s.mu.Lock()
	entry, ok := s.pending[pk]
	if !ok {
		s.mu.Unlock()
		return
	}
	subs := append([]*streamWaiter(nil), entry.streamSubs...)
	s.mu.Unlock()

	for _, w := range subs {
		select {
		case w.out <- info:
		default:
		}
	}
}

// OnPeerEvent implements transport.Sink: peer churn triggers rebinding of
// any subscription bound to the affected peer (spec §4.4 "On peer
// online/offline transitions, the subscription rebinds to another peer").
func (s *Scheduler) OnPeerEvent(ev transport.Event) {
	if ev.Kind != transport.EventPeerOffline {
		return
	}
	s.mu.Lock()
	var toRebind []pendingKey
	for pk, entry := range s.pending {
		if entry.kind == KindNotificationStream && entry.havePeer && entry.peer == ev.Peer {
			entry.havePeer = false
			toRebind = append(toRebind, pk)
		}
	}
	s.mu.Unlock()

	for _, pk := range toRebind {
		s.dispatch(pk, s.defaultTimeout)
	}
}

// Shutdown cancels every pending entry, rejecting cube waiters with
// ShuttingDownError and closing subscription channels.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for pk, entry := range s.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		for _, w := range entry.cubeWaiter {
			w.result <- cubeResult{err: verrors.ErrShuttingDown}
		}
		for _, w := range entry.streamSubs {
			close(w.out)
		}
		delete(s.pending, pk)
	}
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("Scheduler{pending=%d}", len(s.pending))
}
