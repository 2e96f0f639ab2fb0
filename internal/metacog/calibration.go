package metacog

import (
	"sync"
	"time"

	"forgekeeper/internal/types"
)

// eceBuckets splits [0,1] into 20% confidence buckets for calibration
// error.
const eceBuckets = 5

// Calibration accumulates predicted-confidence-versus-acceptance records
// and answers how well calibrated the engine's predictions are.
type Calibration struct {
	mu      sync.RWMutex
	records []types.CalibrationRecord
}

// NewCalibration creates an empty calibration store.
func NewCalibration() *Calibration {
	return &Calibration{}
}

// Record appends one predicted-versus-accepted observation.
func (c *Calibration) Record(rec types.CalibrationRecord) types.CalibrationRecord {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
	return rec
}

// Count returns how many records have been taken.
func (c *Calibration) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Records returns a copy of every record, oldest first.
func (c *Calibration) Records() []types.CalibrationRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.CalibrationRecord, len(c.records))
	copy(out, c.records)
	return out
}

// AcceptanceRate returns the fraction of records for one decision type
// where the user accepted, plus the sample count.
func (c *Calibration) AcceptanceRate(dt types.DecisionType) (float64, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var accepted, total int
	for _, r := range c.records {
		if r.DecisionType != dt {
			continue
		}
		total++
		if r.UserAccepted {
			accepted++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(accepted) / float64(total), total
}

// ECE is the expected calibration error: records are bucketed by
// predicted confidence into 20% bands, each non-empty bucket contributes
// |mean predicted − acceptance rate|, and the buckets average out. Zero
// with no records.
func (c *Calibration) ECE() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	type bucket struct {
		predictedSum float64
		accepted     int
		count        int
	}
	var buckets [eceBuckets]bucket

	for _, r := range c.records {
		idx := int(r.PredictedConfidence * eceBuckets)
		if idx >= eceBuckets {
			idx = eceBuckets - 1
		}
		if idx < 0 {
			idx = 0
		}
		buckets[idx].predictedSum += r.PredictedConfidence
		buckets[idx].count++
		if r.UserAccepted {
			buckets[idx].accepted++
		}
	}

	var sum float64
	var nonEmpty int
	for _, b := range buckets {
		if b.count == 0 {
			continue
		}
		nonEmpty++
		meanPredicted := b.predictedSum / float64(b.count)
		actual := float64(b.accepted) / float64(b.count)
		gap := meanPredicted - actual
		if gap < 0 {
			gap = -gap
		}
		sum += gap
	}
	if nonEmpty == 0 {
		return 0
	}
	return sum / float64(nonEmpty)
}
