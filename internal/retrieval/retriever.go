// Package retrieval implements CubeRetriever (spec §4.5, C6): a thin
// local-first, network-fallback façade over CubeStore and RequestScheduler.
// It never mutates cubes and never persists — that remains the store's
// concern.
package retrieval

import (
	"context"
	"errors"
	"time"

	"verity/internal/cube"
	"verity/internal/schedule"
	"verity/internal/store"
	"verity/internal/verrors"
)

// Options tunes a single retrieval call (spec §4.5 "opts").
type Options struct {
	ScheduleIn time.Duration
	Timeout    time.Duration
}

// Retriever is CubeRetriever (C6).
type Retriever struct {
	store     *store.CubeStore
	scheduler *schedule.Scheduler
}

// New wires a Retriever over an already-constructed store and scheduler.
func New(cs *store.CubeStore, sched *schedule.Scheduler) *Retriever {
	return &Retriever{store: cs, scheduler: sched}
}

// GetCubeInfo returns a local hit if present, otherwise awaits the
// scheduler; a timed-out or cancelled fetch returns (nil, false, nil)
// (spec §4.5 "returns None on timeout").
func (r *Retriever) GetCubeInfo(ctx context.Context, key [cube.KeySize]byte, opts Options) (*store.CubeInfo, bool, error) {
	if info, ok := r.store.GetCubeInfo(key); ok {
		return info, true, nil
	}
	info, err := r.scheduler.RequestCube(ctx, key, opts.ScheduleIn, opts.Timeout)
	if err != nil {
		if ctx.Err() != nil || isTimeoutOrUnavailable(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return info, true, nil
}

// GetCube is a convenience wrapper materializing the cube behind a
// GetCubeInfo hit (spec §4.5 "getCube(key, opts)").
func (r *Retriever) GetCube(ctx context.Context, key [cube.KeySize]byte, opts Options) (*cube.Cube, bool, error) {
	info, ok, err := r.GetCubeInfo(ctx, key, opts)
	if err != nil || !ok {
		return nil, ok, err
	}
	c, err := info.Cube(0)
	if err != nil {
		return nil, true, err
	}
	return c, true, nil
}

// GetNotifications returns only the cubes already held locally whose
// NOTIFY field matches notifyKey — a non-subscribing snapshot (spec §4.5
// "getNotifications(notifyKey)").
func (r *Retriever) GetNotifications(notifyKey [cube.KeySize]byte) []*store.CubeInfo {
	return r.store.NotificationCubeInfos(notifyKey)
}

// SubscribeNotifications merges existing local matches with a live
// scheduler stream (spec §4.5 "subscribeNotifications(notifyKey)"). The
// returned cancel func must be called to release the underlying
// subscription and the store listener.
func (r *Retriever) SubscribeNotifications(notifyKey [cube.KeySize]byte) (<-chan *store.CubeInfo, func()) {
	out := make(chan *store.CubeInfo, 32)
	done := make(chan struct{})

	for _, info := range r.store.NotificationCubeInfos(notifyKey) {
		select {
		case out <- info:
		default:
		}
	}

	storeEvents := r.store.Subscribe(32, done)
	remoteStream, cancelRemote := r.scheduler.RequestNotifications(notifyKey)

	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-storeEvents:
				if !ok {
					return
				}
				if ev.Kind == store.EventNotificationAdded && ev.NotifyKey == notifyKey {
					select {
					case out <- ev.Info:
					default:
					}
				}
			case info, ok := <-remoteStream:
				if !ok {
					return
				}
				select {
				case out <- info:
				default:
				}
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		cancelRemote()
	}
	return out, cancel
}

func isTimeoutOrUnavailable(err error) bool {
	return errors.Is(err, verrors.ErrTimeout) || errors.Is(err, verrors.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
