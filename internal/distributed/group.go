package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// ErrCollectiveTimeout is returned when a worker waits longer than the group
// timeout for its peers. Callers must treat it as fatal: partial collective
// state cannot be resumed.
var ErrCollectiveTimeout = errors.New("collective operation timed out")

// Group is the collective surface the training controller needs from the
// distributed runtime.
type Group interface {
	Rank() int
	Size() int
	IsMain() bool
	// Barrier blocks until every worker in the group has arrived.
	Barrier(ctx context.Context) error
	// AllReduceMean replaces vec with the element-wise mean across workers.
	AllReduceMean(ctx context.Context, vec []float64) error
}

// Single is a group of one.
type Single struct{}

func (Single) Rank() int {
	return 0
}

func (Single) Size() int {
	return 1
}

func (Single) IsMain() bool {
	return true
}

func (Single) Barrier(ctx context.Context) error {
	return ctx.Err()
}

func (Single) AllReduceMean(ctx context.Context, _ []float64) error {
	return ctx.Err()
}

// collective is one in-flight rendezvous. The sum is published to waiters
// once done is closed.
type collective struct {
	sum     []float64
	arrived int
	done    chan struct{}
}

type rendezvous struct {
	mu      sync.Mutex
	size    int
	timeout time.Duration
	cur     *collective
	broken  error
}

func (r *rendezvous) join(ctx context.Context, vec []float64) ([]float64, error) {
	r.mu.Lock()
	if r.broken != nil {
		r.mu.Unlock()
		return nil, r.broken
	}
	if r.cur == nil {
		r.cur = &collective{sum: make([]float64, len(vec)), done: make(chan struct{})}
	}
	op := r.cur
	if len(vec) != len(op.sum) {
		r.mu.Unlock()
		return nil, fmt.Errorf("collective length mismatch: got %d, peers sent %d", len(vec), len(op.sum))
	}
	floats.Add(op.sum, vec)
	op.arrived++
	if op.arrived == r.size {
		if len(op.sum) > 0 {
			floats.Scale(1/float64(r.size), op.sum)
		}
		r.cur = nil
		close(op.done)
		r.mu.Unlock()
		return op.sum, nil
	}
	r.mu.Unlock()

	var expired <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-op.done:
		return op.sum, nil
	case <-expired:
		r.mu.Lock()
		r.broken = ErrCollectiveTimeout
		r.mu.Unlock()
		return nil, ErrCollectiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Local is one member of an in-process worker group. Members of the same
// group share a rendezvous; every collective must be entered by all of them.
type Local struct {
	rank int
	r    *rendezvous
}

// NewLocal creates size group members sharing one rendezvous. A zero
// timeout waits forever.
func NewLocal(size int, timeout time.Duration) ([]*Local, error) {
	if size < 1 {
		return nil, fmt.Errorf("invalid group size: %d (must be positive)", size)
	}
	r := &rendezvous{size: size, timeout: timeout}
	members := make([]*Local, size)
	for i := range members {
		members[i] = &Local{rank: i, r: r}
	}
	return members, nil
}

func (l *Local) Rank() int    { return l.rank }
func (l *Local) Size() int    { return l.r.size }
func (l *Local) IsMain() bool { return l.rank == 0 }

func (l *Local) Barrier(ctx context.Context) error {
	_, err := l.r.join(ctx, nil)
	return err
}

func (l *Local) AllReduceMean(ctx context.Context, vec []float64) error {
	mean, err := l.r.join(ctx, vec)
	if err != nil {
		return err
	}
	copy(vec, mean)
	return nil
}

// RunLocal runs fn once per worker of a fresh n-member group and waits for
// all of them. The first error cancels the shared context.
func RunLocal(ctx context.Context, n int, timeout time.Duration, fn func(ctx context.Context, g Group) error) error {
	members, err := NewLocal(n, timeout)
	if err != nil {
		return err
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, m := range members {
		m := m
		eg.Go(func() error {
			if err := fn(egCtx, m); err != nil {
				return fmt.Errorf("worker %d: %w", m.rank, err)
			}
			return nil
		})
	}
	return eg.Wait()
}
