// Package trigger provides the two trigger sources of a hosted
// service and the execution serializer that gates every trigger
// before it may invoke the process script body.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/NathanielArnoldR2/PSServiceManager/internal/audit"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/model"
	"github.com/NathanielArnoldR2/PSServiceManager/internal/script"
)

var ErrSerializerClosed = errors.New("serializer closed")

// backlog bounds how many triggers may queue behind the in-flight
// invocation before submitters block in the channel send. Ordering is
// the channel's FIFO order either way.
const backlog = 64

// ProcessFunc runs the process body for one trigger event.
type ProcessFunc func(ctx context.Context, ev model.TriggerEvent) error

type submission struct {
	ev   model.TriggerEvent
	done chan error
}

// Serializer is the single gate in front of the script host's process
// invocations. All sources submit through it; Serve drains the queue
// one event at a time, so at most one invocation is ever in flight
// and events run in submission order.
type Serializer struct {
	run  ProcessFunc
	sink *audit.Sink

	submissions chan submission
	quit        chan struct{}
	closeOnce   sync.Once

	mx      sync.Mutex
	closed  bool
	pending sync.WaitGroup // submitters accepted but not yet queued
}

func NewSerializer(run ProcessFunc, sink *audit.Sink) *Serializer {
	return &Serializer{
		run:         run,
		sink:        sink,
		submissions: make(chan submission, backlog),
		quit:        make(chan struct{}),
	}
}

// Submit hands one event to the serializer and blocks until its
// process invocation has finished. A per-trigger script failure has
// already been logged and absorbed by Serve; Submit then returns nil.
// A non-nil error means the event did not run.
//
// Acceptance is decided once, under the lock: after Close (or after
// Serve has exited on a fatal error) Submit refuses the event with
// ErrSerializerClosed. An accepted event is serviced exactly once, by
// the serve loop or by its teardown drain, so the reply on done
// always arrives.
func (s *Serializer) Submit(ctx context.Context, ev model.TriggerEvent) error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return ErrSerializerClosed
	}
	s.pending.Add(1)
	s.mx.Unlock()

	sub := submission{ev: ev, done: make(chan error, 1)}
	select {
	case s.submissions <- sub:
		s.pending.Done()
	case <-ctx.Done():
		s.pending.Done()
		return ctx.Err()
	}

	select {
	case err := <-sub.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve drains submissions until Close, then finishes the events
// already accepted and returns. A script.Error from the process body
// is logged to the audit log and absorbed — the service keeps
// running. Any other failure is fatal and returned; events still
// queued then fail with ErrSerializerClosed instead of running.
func (s *Serializer) Serve(ctx context.Context) error {
	err := s.serve(ctx)

	// No submitter passes the acceptance check from here on; the
	// teardown below services everyone already past it.
	s.mx.Lock()
	s.closed = true
	s.mx.Unlock()

	if drainErr := s.teardown(ctx, err != nil); err == nil {
		err = drainErr
	}
	return err
}

func (s *Serializer) serve(ctx context.Context) error {
	for {
		select {
		case sub := <-s.submissions:
			if err := s.dispatch(ctx, sub); err != nil {
				return err
			}
		case <-s.quit:
			return nil
		}
	}
}

func (s *Serializer) dispatch(ctx context.Context, sub submission) error {
	slog.DebugContext(ctx, "running process invocation", "trigger", sub.ev.String())
	err := s.run(ctx, sub.ev)

	var scriptErr *script.Error
	if errors.As(err, &scriptErr) && !scriptErr.Fatal() {
		_ = s.sink.Appendf(model.OriginController,
			"process invocation for %s failed: %v", sub.ev.String(), err)
		slog.ErrorContext(ctx, "process invocation failed",
			"trigger", sub.ev.String(), "error", err)
		err = nil
	}

	sub.done <- err
	return err
}

// teardown services every submission accepted before the closed flag
// went up: on a clean close they still run in order, after a fatal
// dispatch failure they are refused. Either way each submitter gets
// its reply; nothing is silently dropped. It keeps consuming while
// waiting so a submitter blocked on a full queue can still commit.
func (s *Serializer) teardown(ctx context.Context, failed bool) error {
	committed := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(committed)
	}()

	var err error
	settle := func(sub submission) {
		if failed {
			sub.done <- ErrSerializerClosed
			return
		}
		if dispatchErr := s.dispatch(ctx, sub); dispatchErr != nil {
			failed = true
			err = dispatchErr
		}
	}

	for {
		select {
		case sub := <-s.submissions:
			settle(sub)
		case <-committed:
			for {
				select {
				case sub := <-s.submissions:
					settle(sub)
				default:
					return err
				}
			}
		}
	}
}

// Close stops accepting new submissions. Queued events still run to
// completion through Serve. Safe to call more than once.
func (s *Serializer) Close() {
	s.mx.Lock()
	s.closed = true
	s.mx.Unlock()
	s.closeOnce.Do(func() {
		close(s.quit)
	})
}
