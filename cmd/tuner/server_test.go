package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/23skdu/longbow-tuner/internal/metrics"
)

func TestMetricsMux(t *testing.T) {
	mux := newMetricsMux()

	t.Run("Health Check", func(t *testing.T) {
		req, _ := http.NewRequest("GET", "/health", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})

	t.Run("Metrics", func(t *testing.T) {
		metrics.MicroBatches.Add(0)
		req, _ := http.NewRequest("GET", "/metrics", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "tuner_train_micro_batches_total")
	})
}
