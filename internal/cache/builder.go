package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-tuner/internal/data"
	"github.com/23skdu/longbow-tuner/internal/metrics"
	"github.com/23skdu/longbow-tuner/internal/policy"
)

var tracer = otel.Tracer("tuner-refcache")

// Builder fills a Store with reference log-probs for every batch the
// training pass will see.
type Builder struct {
	Policy         policy.Policy
	Store          Store
	AverageLogProb bool
	// DisableAdapters scores batches with adapters switched off, recovering
	// the base model as the reference. The policy must implement
	// policy.AdapterToggler.
	DisableAdapters bool
}

// Build caches epochs [fromEpoch, toEpoch). Batches are drawn with Peek so
// the pending resume skip is honored but left for the training pass.
func (b *Builder) Build(ctx context.Context, r *data.Resumable, fromEpoch, toEpoch int) error {
	ctx, span := tracer.Start(ctx, "BuildReferenceCache")
	defer span.End()
	span.SetAttributes(
		attribute.Int("from_epoch", fromEpoch),
		attribute.Int("to_epoch", toEpoch),
	)

	var toggler policy.AdapterToggler
	if b.DisableAdapters {
		t, ok := b.Policy.(policy.AdapterToggler)
		if !ok {
			return fmt.Errorf("policy %T cannot disable adapters", b.Policy)
		}
		toggler = t
	}

	start := time.Now()
	for epoch := fromEpoch; epoch < toEpoch; epoch++ {
		it := r.Peek(epoch)
		n := 0
		for {
			batch, step, ok := it.Next()
			if !ok {
				break
			}
			out, err := b.forward(ctx, toggler, batch)
			if err != nil {
				span.RecordError(err)
				return fmt.Errorf("reference forward failed at epoch %d step %d: %w", epoch, step, err)
			}
			if err := b.Store.Put(epoch, step, Entry{Chosen: out.Chosen, Rejected: out.Rejected}); err != nil {
				return err
			}
			metrics.RefCacheBatches.Inc()
			n++
		}
		if err := b.Store.Seal(epoch); err != nil {
			return fmt.Errorf("failed to seal epoch %d: %w", epoch, err)
		}
		log.Debug().Int("epoch", epoch).Int("batches", n).Msg("Cached reference logprobs")
	}

	log.Info().
		Int("batches", b.Store.Len()).
		Str("duration", time.Since(start).String()).
		Msg("Reference logprob cache built")
	return nil
}

func (b *Builder) forward(ctx context.Context, toggler policy.AdapterToggler, batch data.Batch) (policy.Output, error) {
	if toggler != nil {
		restore := toggler.DisableAdapters()
		defer restore()
	}
	return b.Policy.Forward(ctx, batch, policy.ForwardOptions{
		AverageLogProb: b.AverageLogProb,
		NoGrad:         true,
	})
}
