package timing

import (
	"sync"
	"time"
)

// defaultSmoothing weights a new observation against the running rate.
const defaultSmoothing = 0.3

// Calibrator learns the speaking rate of the active voice from finished
// utterances. Each new utterance is estimated from zero with the calibrated
// rate, so estimation error never accumulates across utterances.
//
// All methods are safe for concurrent use.
type Calibrator struct {
	mu        sync.Mutex
	base      RateModel
	rate      float64
	smoothing float64
	samples   int
}

// NewCalibrator returns a calibrator that starts from base.
func NewCalibrator(base RateModel) *Calibrator {
	return &Calibrator{base: base, rate: base.CharsPerSecond, smoothing: defaultSmoothing}
}

// Model returns the base model with the calibrated rate applied.
func (c *Calibrator) Model() RateModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base.WithRate(c.rate)
}

// SetBase replaces the base model and discards learned observations. It is
// called when the configured rate model changes.
func (c *Calibrator) SetBase(m RateModel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = m
	c.rate = m.CharsPerSecond
	c.samples = 0
}

// Observe records that chars characters spread over words units took total to
// speak. Observations that leave no speaking time after pauses are ignored.
func (c *Calibrator) Observe(chars, words int, total time.Duration) {
	if chars <= 0 || words <= 0 || total <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	speaking := total - time.Duration(words)*c.base.Pause
	if speaking <= 0 {
		return
	}
	observed := float64(chars) / speaking.Seconds()
	if c.samples == 0 {
		c.rate = observed
	} else {
		c.rate = c.smoothing*observed + (1-c.smoothing)*c.rate
	}
	c.samples++
}

// Samples returns how many observations have been recorded since the last
// reset.
func (c *Calibrator) Samples() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples
}
