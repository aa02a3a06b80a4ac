package resilience

import "sync"

// QualityTracker maintains an exponentially weighted moving average of
// connection outcomes in [0, 1]. Heartbeat responses and successful sends
// score 1, failures score 0. The manager reads the score to decide when
// to widen batch windows or proactively fall back to polling.
type QualityTracker struct {
	mu    sync.Mutex
	score float64
	alpha float64
}

// NewQualityTracker creates a tracker starting at a perfect score. Alpha
// is the weight of each new sample; out-of-range values default to 0.3.
func NewQualityTracker(alpha float64) *QualityTracker {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.3
	}
	return &QualityTracker{score: 1.0, alpha: alpha}
}

// Record folds one outcome into the moving average.
func (t *QualityTracker) Record(success bool) {
	sample := 0.0
	if success {
		sample = 1.0
	}
	t.mu.Lock()
	t.score = t.alpha*sample + (1-t.alpha)*t.score
	t.mu.Unlock()
}

// Score returns the current quality in [0, 1].
func (t *QualityTracker) Score() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.score
}

// Reset restores a perfect score, used after a clean reconnect.
func (t *QualityTracker) Reset() {
	t.mu.Lock()
	t.score = 1.0
	t.mu.Unlock()
}
