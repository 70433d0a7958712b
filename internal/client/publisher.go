package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tuner/internal/metrics"
)

// Publisher pushes tables to a Putter behind a circuit breaker. Failed
// uploads are never retried.
type Publisher struct {
	putter  Putter
	breaker *CircuitBreaker
	builder *RecordBatchBuilder
}

func NewPublisher(p Putter, breaker *CircuitBreaker, mem memory.Allocator) *Publisher {
	if breaker == nil {
		breaker = NewCircuitBreaker(3, 0)
	}
	return &Publisher{
		putter:  p,
		breaker: breaker,
		builder: NewRecordBatchBuilder(mem),
	}
}

// PublishStrings uploads a string table to dataset.
func (p *Publisher) PublishStrings(ctx context.Context, dataset string, cols []StringColumn) error {
	rec, err := p.builder.Strings(cols)
	if err != nil {
		return err
	}
	return p.put(ctx, dataset, rec)
}

// PublishFloats uploads a single row of named values to dataset.
func (p *Publisher) PublishFloats(ctx context.Context, dataset string, values map[string]float64) error {
	rec, err := p.builder.Floats(values)
	if err != nil {
		return err
	}
	return p.put(ctx, dataset, rec)
}

func (p *Publisher) put(ctx context.Context, dataset string, rec arrow.RecordBatch) error {
	if rec == nil {
		return nil
	}
	defer rec.Release()

	err := p.breaker.Do(func() error {
		return p.putter.DoPut(ctx, dataset, rec)
	})
	switch {
	case errors.Is(err, ErrCircuitOpen):
		metrics.Uploads.WithLabelValues("skipped").Inc()
		log.Warn().Str("dataset", dataset).Msg("Upload skipped, circuit open")
		return err
	case err != nil:
		metrics.Uploads.WithLabelValues("failed").Inc()
		return fmt.Errorf("upload to %s failed: %w", dataset, err)
	}
	metrics.Uploads.WithLabelValues("ok").Inc()
	log.Info().Str("dataset", dataset).Int64("rows", rec.NumRows()).Msg("Uploaded record batch")
	return nil
}

// Breaker exposes the publisher's circuit breaker.
func (p *Publisher) Breaker() *CircuitBreaker {
	return p.breaker
}
