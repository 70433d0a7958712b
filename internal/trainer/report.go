package trainer

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-json"
)

// LogRecord is the structured record emitted every logging interval.
// Reward fields are only set for losses with a reference model and AuxLoss
// only when the load-balancing term is enabled.
type LogRecord struct {
	TrainingStep    int      `json:"training_step"`
	LearningRate    float64  `json:"learning_rate"`
	Epoch           float64  `json:"epoch"`
	TrainLoss       float64  `json:"train_loss"`
	LogpsChosen     float64  `json:"logps/chosen"`
	LogpsRejected   float64  `json:"logps/rejected"`
	RewardsChosen   *float64 `json:"rewards/chosen,omitempty"`
	RewardsRejected *float64 `json:"rewards/rejected,omitempty"`
	RewardsAverage  *float64 `json:"rewards/average,omitempty"`
	RewardsAccuracy *float64 `json:"rewards/accuracy,omitempty"`
	RewardsMargin   *float64 `json:"rewards/margin,omitempty"`
	AuxLoss         *float64 `json:"aux_loss,omitempty"`
}

// Reporter receives log records on the main worker.
type Reporter interface {
	Report(ctx context.Context, rec LogRecord) error
}

// JSONLReporter appends one JSON object per record to a file.
type JSONLReporter struct {
	mu sync.Mutex
	f  *os.File
}

// NewJSONLReporter opens path for appending.
func NewJSONLReporter(path string) (*JSONLReporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking file: %w", err)
	}
	return &JSONLReporter{f: f}, nil
}

func (r *JSONLReporter) Report(_ context.Context, rec LogRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.f.Write(append(b, '\n'))
	return err
}

func (r *JSONLReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
