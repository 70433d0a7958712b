package data

import (
	"fmt"
	"math/rand/v2"
)

// Loader yields one worker's shard of the dataset in fixed-size batches.
// Ordering depends only on (seed, epoch), so two passes over the same epoch
// always see the same batches.
type Loader struct {
	examples  []Example
	batchSize int
	seed      uint64
	rank      int
	worldSize int
	shuffle   bool
}

// NewLoader builds a loader for worker rank of worldSize.
func NewLoader(examples []Example, batchSize int, seed uint64, rank, worldSize int, shuffle bool) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("invalid rank %d for world size %d", rank, worldSize)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("empty training dataset")
	}
	return &Loader{
		examples:  examples,
		batchSize: batchSize,
		seed:      seed,
		rank:      rank,
		worldSize: worldSize,
		shuffle:   shuffle,
	}, nil
}

// NumExamples is the size of the full (unsharded) dataset.
func (l *Loader) NumExamples() int { return len(l.examples) }

// shardSize is the per-worker example count after padding.
func (l *Loader) shardSize() int {
	return (len(l.examples) + l.worldSize - 1) / l.worldSize
}

// Len is the number of batches per epoch on this worker.
func (l *Loader) Len() int {
	return (l.shardSize() + l.batchSize - 1) / l.batchSize
}

// indices returns this worker's example order for epoch. The global order is
// padded by wrapping around so every worker gets the same number of examples.
func (l *Loader) indices(epoch int) []int {
	n := len(l.examples)
	var order []int
	if l.shuffle {
		rng := rand.New(rand.NewPCG(l.seed, uint64(epoch)))
		order = rng.Perm(n)
	} else {
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
	}
	total := l.shardSize() * l.worldSize
	for i := 0; len(order) < total; i++ {
		order = append(order, order[i%n])
	}
	shard := make([]int, 0, l.shardSize())
	for i := l.rank; i < total; i += l.worldSize {
		shard = append(shard, order[i])
	}
	return shard
}

// Epoch returns an iterator over epoch that discards the first skip batches.
func (l *Loader) Epoch(epoch, skip int) *Iterator {
	if skip < 0 {
		skip = 0
	}
	return &Iterator{loader: l, order: l.indices(epoch), next: skip}
}

// Iterator walks the batches of one epoch.
type Iterator struct {
	loader *Loader
	order  []int
	next   int
}

// Next returns the next batch and its index within the epoch. The index
// counts skipped batches, so it is stable across resumes.
func (it *Iterator) Next() (Batch, int, bool) {
	bs := it.loader.batchSize
	start := it.next * bs
	if start >= len(it.order) {
		return Batch{}, 0, false
	}
	end := min(start+bs, len(it.order))
	b := Batch{Examples: make([]Example, 0, end-start)}
	for _, idx := range it.order[start:end] {
		b.Examples = append(b.Examples, it.loader.examples[idx])
	}
	step := it.next
	it.next++
	return b, step, true
}

// Remaining is the number of batches not yet yielded.
func (it *Iterator) Remaining() int {
	return max(it.loader.Len()-it.next, 0)
}

// Resumable wraps a Loader with a pending skip that applies to the first
// epoch after a resume only.
type Resumable struct {
	loader     *Loader
	firstEpoch int
	skip       int
	consumed   bool
}

// NewResumable skips skip batches of firstEpoch, once. A nil resume step is
// expressed as skip 0.
func NewResumable(l *Loader, firstEpoch, skip int) *Resumable {
	return &Resumable{loader: l, firstEpoch: firstEpoch, skip: skip, consumed: skip == 0}
}

// Loader returns the wrapped loader.
func (r *Resumable) Loader() *Loader { return r.loader }

func (r *Resumable) skipFor(epoch int) int {
	if !r.consumed && epoch == r.firstEpoch {
		return r.skip
	}
	return 0
}

// Peek returns the iterator the training pass will see for epoch without
// consuming the pending skip.
func (r *Resumable) Peek(epoch int) *Iterator {
	return r.loader.Epoch(epoch, r.skipFor(epoch))
}

// Epoch returns the iterator for epoch and consumes the pending skip when
// epoch is the resumed one.
func (r *Resumable) Epoch(epoch int) *Iterator {
	skip := r.skipFor(epoch)
	if skip > 0 {
		r.consumed = true
	}
	return r.loader.Epoch(epoch, skip)
}

// Pending reports whether the resume skip has not been consumed yet.
func (r *Resumable) Pending() bool { return !r.consumed }
