package frame

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultInboxCapacity bounds the number of unclaimed frames.
const DefaultInboxCapacity = 256

var ErrNoFrame = errors.New("frame: no matching frame before deadline")

// Predicate selects frames from the inbox.
type Predicate func(Frame) bool

// Any matches every frame.
func Any(Frame) bool { return true }

// ByAPID matches frames on any of the given APIDs.
func ByAPID(apids ...uint8) Predicate {
	return func(f Frame) bool {
		for _, a := range apids {
			if f.APID == a {
				return true
			}
		}
		return false
	}
}

// ByCorrelation matches frames on apid carrying correlation id corr.
func ByCorrelation(apid, corr uint8) Predicate {
	return func(f Frame) bool {
		id, ok := f.Correlation()
		return f.APID == apid && ok && id == corr
	}
}

// Inbox is the bounded queue of received downlink frames. One link reader
// puts, any number of consumers take; a frame leaves the queue only when a
// consumer's predicate matches it. When full the incoming frame is refused
// so the link reader never blocks and no queued frame is lost.
type Inbox struct {
	capacity int
	logger   *slog.Logger

	mu      sync.Mutex
	frames  []Frame
	arrived chan struct{} // closed and replaced on every Put
	dropped int
}

// NewInbox creates an inbox holding at most capacity frames (<= 0 selects
// DefaultInboxCapacity).
func NewInbox(capacity int, logger *slog.Logger) *Inbox {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	return &Inbox{
		capacity: capacity,
		logger:   logger,
		arrived:  make(chan struct{}),
	}
}

// Put appends a frame and wakes waiting consumers. It reports false, and
// counts the frame in Dropped, when the inbox is full.
func (q *Inbox) Put(f Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.capacity {
		q.dropped++
		q.logger.Warn("inbox full, refusing frame", "apid", f.APID, "seq", f.Seq, "capacity", q.capacity)
		return false
	}
	q.frames = append(q.frames, f)
	close(q.arrived)
	q.arrived = make(chan struct{})
	return true
}

// Get removes and returns the first frame, in arrival order, matching
// match. It waits for new frames until ctx is done and then returns
// ErrNoFrame.
func (q *Inbox) Get(ctx context.Context, match Predicate) (Frame, error) {
	if match == nil {
		match = Any
	}
	for {
		q.mu.Lock()
		for i, f := range q.frames {
			if match(f) {
				q.frames = append(q.frames[:i:i], q.frames[i+1:]...)
				q.mu.Unlock()
				return f, nil
			}
		}
		arrived := q.arrived
		q.mu.Unlock()

		select {
		case <-arrived:
		case <-ctx.Done():
			return Frame{}, ErrNoFrame
		}
	}
}

// GetTimeout is Get with a relative deadline.
func (q *Inbox) GetTimeout(timeout time.Duration, match Predicate) (Frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return q.Get(ctx, match)
}

// Len returns the number of unclaimed frames.
func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns how many frames were discarded because the inbox was full.
func (q *Inbox) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Drain removes and returns every unclaimed frame.
func (q *Inbox) Drain() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}
