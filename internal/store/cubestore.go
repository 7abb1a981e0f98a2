// Package store implements CubeStore (spec §4.2, C3): the in-memory
// key→CubeInfo index, MUC contest resolution, persistence bridge, and
// cubeAdded/notificationAdded event stream.
package store

import (
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"verity/internal/cube"
	"verity/internal/verrors"
)

// Backend is the minimal persistence contract CubeStore needs (spec §4.3).
// internal/persistence.DB satisfies it; tests may supply an in-memory fake.
type Backend interface {
	Put(keyHex string, data []byte) error
	Get(keyHex string) ([]byte, error)
}

// CubeStore is the authoritative in-process cube index (spec §4.2).
type CubeStore struct {
	mu                 sync.RWMutex
	infos              map[string]*CubeInfo
	notifyIndex        map[[cube.KeySize]byte][]string // notifyKey -> keyStrings
	backend            Backend
	parser             cube.ParserKind
	requiredDifficulty int
	logger             *logrus.Logger

	bus         eventBus
	shutdownCh  chan struct{}
	shutdownVal atomic.Bool
}

// New wires a CubeStore. backend may be nil to run purely in-memory
// (spec §4.2 "a handle to persistence (optional)").
func New(backend Backend, parser cube.ParserKind, requiredDifficulty int, logger *logrus.Logger) *CubeStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CubeStore{
		infos:              make(map[string]*CubeInfo),
		notifyIndex:        make(map[[cube.KeySize]byte][]string),
		backend:            backend,
		parser:             parser,
		requiredDifficulty: requiredDifficulty,
		logger:             logger,
		shutdownCh:         make(chan struct{}),
	}
}

// AddCube decodes and admits raw cube bytes (spec §4.2 "addCube"). Admission
// failures — insufficient PoW, bad signature, malformed bytes — are
// reported as an error but never panic, and the caller's prior state is
// unaffected (spec §4.2 "Failure policy").
func (s *CubeStore) AddCube(data []byte) (*CubeInfo, error) {
	if s.shutdownVal.Load() {
		return nil, verrors.ErrShuttingDown
	}

	c, err := cube.Decode(data, s.parser, s.requiredDifficulty)
	if err != nil {
		s.logger.WithError(err).Debug("store: rejected cube on admission")
		return nil, err
	}

	key := cube.Key(c, data)
	keyHex := hex.EncodeToString(key[:])

	s.mu.Lock()
	existing, had := s.infos[keyHex]
	var toPublish []Event
	var info *CubeInfo

	switch {
	case !had:
		info = newCubeInfo(key, c, data)
		s.infos[keyHex] = info
		s.indexNotifyLocked(c, info)
		toPublish = append(toPublish, Event{Kind: EventCubeAdded, Info: info})
		if nk, ok := c.NotifyKey(); ok {
			toPublish = append(toPublish, Event{Kind: EventNotificationAdded, Info: info, NotifyKey: nk})
		}

	case !c.Kind().IsMUCFamily():
		// FROZEN/PIC: identical key implies identical bytes (content
		// addressing). Idempotent re-admission (spec §4.2, §7 DuplicateError,
		// §8 P7): no re-emit, no persistence write.
		s.logger.WithField("key", keyHex).Debug("store: duplicate frozen cube ignored")
		info = existing

	default:
		existingCube, rerr := existing.Cube(s.requiredDifficulty)
		if rerr != nil {
			s.mu.Unlock()
			return nil, rerr
		}
		if cube.Contest(existingCube, existing.Raw(), c, data) == cube.WinnerB {
			info = newCubeInfo(key, c, data)
			s.infos[keyHex] = info
			s.reindexNotifyLocked(existing, info)
			toPublish = append(toPublish, Event{Kind: EventCubeAdded, Info: info})
			if nk, ok := c.NotifyKey(); ok {
				toPublish = append(toPublish, Event{Kind: EventNotificationAdded, Info: info, NotifyKey: nk})
			}
		} else {
			s.logger.WithField("key", keyHex).Debug("store: incoming muc lost contest")
			info = existing
		}
	}
	s.mu.Unlock()

	if info.raw != nil && (toPublish != nil) && s.backend != nil {
		if err := s.backend.Put(keyHex, info.Raw()); err != nil {
			// Persistence errors are logged, never invalidate the in-memory
			// accept (spec §4.2 "Failure policy", §7 PersistenceError).
			s.logger.WithError(err).WithField("key", keyHex).Warn("store: persistence write failed")
		}
	}

	for _, ev := range toPublish {
		s.bus.publish(ev)
	}
	return info, nil
}

func (s *CubeStore) indexNotifyLocked(c *cube.Cube, info *CubeInfo) {
	if nk, ok := c.NotifyKey(); ok {
		s.notifyIndex[nk] = append(s.notifyIndex[nk], info.KeyString)
	}
}

func (s *CubeStore) reindexNotifyLocked(old, replacement *CubeInfo) {
	oldCube, err := old.Cube(s.requiredDifficulty)
	if err == nil {
		if nk, ok := oldCube.NotifyKey(); ok {
			keys := s.notifyIndex[nk]
			for i, k := range keys {
				if k == old.KeyString {
					s.notifyIndex[nk] = append(keys[:i], keys[i+1:]...)
					break
				}
			}
		}
	}
	newCube, err := replacement.Cube(s.requiredDifficulty)
	if err == nil {
		if nk, ok := newCube.NotifyKey(); ok {
			s.notifyIndex[nk] = append(s.notifyIndex[nk], replacement.KeyString)
		}
	}
}

// HasCube reports whether key is present (spec §4.2).
func (s *CubeStore) HasCube(key [cube.KeySize]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.infos[hex.EncodeToString(key[:])]
	return ok
}

// GetCubeInfo returns metadata for key (spec §4.2).
func (s *CubeStore) GetCubeInfo(key [cube.KeySize]byte) (*CubeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[hex.EncodeToString(key[:])]
	return info, ok
}

// GetCube returns the rematerialized cube for key (spec §4.2).
func (s *CubeStore) GetCube(key [cube.KeySize]byte) (*cube.Cube, bool, error) {
	info, ok := s.GetCubeInfo(key)
	if !ok {
		return nil, false, nil
	}
	c, err := info.Cube(s.requiredDifficulty)
	if err != nil {
		return nil, true, err
	}
	return c, true, nil
}

// AllCubeInfo returns a snapshot of every currently held CubeInfo (spec
// §4.2 "getAllCubeInfo").
func (s *CubeStore) AllCubeInfo() []*CubeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CubeInfo, 0, len(s.infos))
	for _, info := range s.infos {
		out = append(out, info)
	}
	return out
}

// NotificationCubeInfos returns every currently held cube whose NOTIFY
// field matches notifyKey (spec §4.2 "getNotificationCubeInfos").
func (s *CubeStore) NotificationCubeInfos(notifyKey [cube.KeySize]byte) []*CubeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.notifyIndex[notifyKey]
	out := make([]*CubeInfo, 0, len(keys))
	for _, k := range keys {
		if info, ok := s.infos[k]; ok {
			out = append(out, info)
		}
	}
	return out
}

// Subscribe registers a listener for store events; done should be closed
// by the caller to unregister promptly (spec §9 "Event emission vs.
// ownership").
func (s *CubeStore) Subscribe(bufferSize int, done <-chan struct{}) <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.subscribe(bufferSize, done)
}

// Shutdown makes further AddCube calls fail with ErrShuttingDown and closes
// every listener channel (spec §4.2, §3.6). Persistence writes are made
// synchronously inside AddCube, so none are pending here; the backend itself
// is left open for its owner to close.
func (s *CubeStore) Shutdown() {
	if !s.shutdownVal.CompareAndSwap(false, true) {
		return
	}
	close(s.shutdownCh)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus.shutdown()
}
