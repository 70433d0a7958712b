package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-tuner/internal/metrics"
)

var spillSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "step", Type: arrow.PrimitiveTypes.Int64},
		{Name: "chosen", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
		{Name: "rejected", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	},
	nil,
)

// ArrowStore keeps only the epoch being built in memory. Sealing an epoch
// spills it to an Arrow IPC file; reads load one sealed epoch at a time.
type ArrowStore struct {
	dir string
	mem memory.Allocator

	mu       sync.Mutex
	open     map[int]map[int]Entry
	sealed   map[int]string
	resident map[int]Entry
	resEpoch int
	count    int
}

// NewArrowStore spills into dir, which is created if needed.
func NewArrowStore(dir string, mem memory.Allocator) (*ArrowStore, error) {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &ArrowStore{
		dir:      dir,
		mem:      mem,
		open:     make(map[int]map[int]Entry),
		sealed:   make(map[int]string),
		resEpoch: -1,
	}, nil
}

// EpochFile is the spill file name for epoch.
func EpochFile(epoch int) string {
	return fmt.Sprintf("refcache_epoch_%d.arrow", epoch)
}

func (s *ArrowStore) Put(epoch, step int, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sealed[epoch]; ok {
		return fmt.Errorf("epoch %d is sealed", epoch)
	}
	m, ok := s.open[epoch]
	if !ok {
		m = make(map[int]Entry)
		s.open[epoch] = m
	}
	if _, exists := m[step]; !exists {
		s.count++
	}
	m[step] = e.clone()
	return nil
}

func (s *ArrowStore) Get(epoch, step int) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.open[epoch]; ok {
		if e, ok := m[step]; ok {
			return e.clone(), nil
		}
		return Entry{}, fmt.Errorf("%w: epoch %d step %d", ErrMiss, epoch, step)
	}
	path, ok := s.sealed[epoch]
	if !ok {
		return Entry{}, fmt.Errorf("%w: epoch %d step %d", ErrMiss, epoch, step)
	}
	if s.resEpoch != epoch {
		entries, err := s.readEpoch(path)
		if err != nil {
			return Entry{}, err
		}
		s.resident = entries
		s.resEpoch = epoch
	}
	e, ok := s.resident[step]
	if !ok {
		return Entry{}, fmt.Errorf("%w: epoch %d step %d", ErrMiss, epoch, step)
	}
	return e.clone(), nil
}

// Seal writes the epoch to disk and drops it from memory. Sealing an epoch
// that was never written produces an empty file.
func (s *ArrowStore) Seal(epoch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sealed[epoch]; ok {
		return nil
	}
	path := filepath.Join(s.dir, EpochFile(epoch))
	if err := s.writeEpoch(path, s.open[epoch]); err != nil {
		return err
	}
	delete(s.open, epoch)
	s.sealed[epoch] = path
	if fi, err := os.Stat(path); err == nil {
		metrics.RefCacheSpillBytes.Add(float64(fi.Size()))
	}
	return nil
}

func (s *ArrowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close removes the spill files. The cache never outlives a run.
func (s *ArrowStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for epoch, path := range s.sealed {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", path, err)
		}
		delete(s.sealed, epoch)
	}
	s.open = make(map[int]map[int]Entry)
	s.resident = nil
	s.resEpoch = -1
	s.count = 0
	return firstErr
}

func (s *ArrowStore) writeEpoch(path string, entries map[int]Entry) error {
	steps := make([]int, 0, len(entries))
	for step := range entries {
		steps = append(steps, step)
	}
	sort.Ints(steps)

	bldr := array.NewRecordBuilder(s.mem, spillSchema)
	defer bldr.Release()

	stepB := bldr.Field(0).(*array.Int64Builder)
	chosenB := bldr.Field(1).(*array.ListBuilder)
	chosenV := chosenB.ValueBuilder().(*array.Float64Builder)
	rejectedB := bldr.Field(2).(*array.ListBuilder)
	rejectedV := rejectedB.ValueBuilder().(*array.Float64Builder)

	for _, step := range steps {
		e := entries[step]
		stepB.Append(int64(step))
		chosenB.Append(true)
		chosenV.AppendValues(e.Chosen, nil)
		rejectedB.Append(true)
		rejectedV.AppendValues(e.Rejected, nil)
	}

	rec := bldr.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create spill file: %w", err)
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(spillSchema), ipc.WithAllocator(s.mem))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to open arrow writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		_ = f.Close()
		return fmt.Errorf("failed to write epoch: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to finish spill file: %w", err)
	}
	return f.Close()
}

func (s *ArrowStore) readEpoch(path string) (map[int]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill file: %w", err)
	}
	defer func() { _ = f.Close() }()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(s.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to read spill file %s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	out := make(map[int]Entry)
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d of %s: %w", i, path, err)
		}
		steps := rec.Column(0).(*array.Int64)
		chosen := rec.Column(1).(*array.List)
		rejected := rec.Column(2).(*array.List)
		for row := 0; row < int(rec.NumRows()); row++ {
			out[int(steps.Value(row))] = Entry{
				Chosen:   listRow(chosen, row),
				Rejected: listRow(rejected, row),
			}
		}
	}
	return out, nil
}

func listRow(l *array.List, row int) []float64 {
	values := l.ListValues().(*array.Float64)
	start, end := l.ValueOffsets(row)
	out := make([]float64, end-start)
	for i := start; i < end; i++ {
		out[i-start] = values.Value(int(i))
	}
	return out
}
