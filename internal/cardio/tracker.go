package cardio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const eventsBufferSize = 128

// Tracker owns one Session and runs every mutation of it - commands, location
// fixes, timer ticks and submission results - sequentially on its own event loop.
type Tracker struct {
	session *Session

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	submits   sync.WaitGroup

	// unix nanos of the last command, used for idle eviction
	lastTouched atomic.Int64
}

func NewTracker(params SessionParams) *Tracker {
	t := &Tracker{
		events: make(chan func(), eventsBufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	params.Dispatch = t.post
	t.session = NewSession(params)
	t.touch()

	go t.loop()

	return t
}

func (t *Tracker) loop() {
	defer close(t.done)
	for {
		// a close wins over commands still queued behind it
		select {
		case <-t.quit:
			t.session.Teardown()
			return
		default:
		}

		select {
		case fn := <-t.events:
			fn()
		case <-t.quit:
			// unconditional, whatever state the session is in
			t.session.Teardown()
			return
		}
	}
}

// post queues fn on the event loop; dropped once the tracker is closed.
func (t *Tracker) post(fn func()) {
	select {
	case t.events <- fn:
	case <-t.quit:
	}
}

// do runs fn on the event loop and waits for it to finish.
func (t *Tracker) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case t.events <- func() {
		fn()
		close(finished)
	}:
	case <-t.quit:
		return ErrTrackerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-t.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrTrackerClosed
		}
	}
}

func (t *Tracker) command(ctx context.Context, op func() error) error {
	t.touch()
	var opErr error
	if err := t.do(ctx, func() {
		opErr = op()
	}); err != nil {
		return err
	}
	return opErr
}

func (t *Tracker) Start(ctx context.Context, kind ActivityKind) error {
	return t.command(ctx, func() error {
		return t.session.Start(kind)
	})
}

func (t *Tracker) SetActivity(ctx context.Context, kind ActivityKind) error {
	return t.command(ctx, func() error {
		return t.session.SetActivity(kind)
	})
}

func (t *Tracker) Pause(ctx context.Context) error {
	return t.command(ctx, t.session.Pause)
}

func (t *Tracker) Resume(ctx context.Context) error {
	return t.command(ctx, t.session.Resume)
}

func (t *Tracker) End(ctx context.Context) error {
	return t.command(ctx, t.session.End)
}

func (t *Tracker) Discard(ctx context.Context) error {
	return t.command(ctx, t.session.Discard)
}

func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := t.do(ctx, func() {
		snap = t.session.Snapshot()
	})
	return snap, err
}

// Submit validates and starts the submission of an ended session. The backend
// call runs off the event loop; its result is applied on the loop and then sent
// to the returned channel.
func (t *Tracker) Submit(ctx context.Context) (<-chan error, error) {
	var (
		identity Identity
		summary  Summary
	)
	if err := t.command(ctx, func() error {
		var err error
		identity, summary, err = t.session.BeginSubmit(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	result := make(chan error, 1)
	submitter := t.session.submitter
	sessionMetrics := t.session.metrics

	t.submits.Add(1)
	go func() {
		defer t.submits.Done()

		// the request that triggered the submit may be long gone by now
		submitCtx := context.WithoutCancel(ctx)
		start := time.Now()
		var submitErr error
		if submitter == nil {
			submitErr = ErrSubmissionFailure
		} else {
			submitErr = submitter.Submit(submitCtx, identity, summary)
		}
		if sessionMetrics != nil {
			sessionMetrics.HistSubmitDuration.Observe(time.Since(start).Seconds())
		}

		applied := make(chan struct{})
		t.post(func() {
			result <- t.session.CompleteSubmit(submitErr)
			close(applied)
		})

		select {
		case <-applied:
		case <-t.done:
			// loop is gone: the completion either ran before it exited, or never will
			select {
			case <-applied:
			default:
				result <- ErrTrackerClosed
			}
		}
	}()

	return result, nil
}

// CloseIfIdle closes the tracker only if its session is Idle and no command
// arrived after idleBefore. The check and the close happen on the event loop,
// so a command queued behind the check cannot be applied to a closed session.
func (t *Tracker) CloseIfIdle(ctx context.Context, idleBefore time.Time) (bool, error) {
	closing := false
	if err := t.do(ctx, func() {
		if t.session.State() != StateIdle {
			return
		}
		if t.lastTouched.Load() > idleBefore.UnixNano() {
			return
		}
		closing = true
		t.closeOnce.Do(func() {
			close(t.quit)
		})
	}); err != nil {
		return false, err
	}
	if !closing {
		return false, nil
	}

	t.Close()
	return true, nil
}

// Close tears the session down and waits for the event loop and any in-flight submission.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.quit)
	})
	<-t.done
	t.submits.Wait()
	log.Tracef("cardio tracker closed")
}

func (t *Tracker) touch() {
	t.lastTouched.Store(time.Now().UnixNano())
}
