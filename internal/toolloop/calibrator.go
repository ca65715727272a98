package toolloop

import "sync"

// TokenCalibrator learns the ratio between estimated and reported input
// tokens and corrects later estimates with it.
type TokenCalibrator struct {
	mu         sync.Mutex
	samples    []calibrationSample
	ratio      float64 // estimated/actual
	maxSamples int
}

type calibrationSample struct {
	estimated int
	actual    int
}

// NewTokenCalibrator keeps the most recent maxSamples samples (100 when
// maxSamples <= 0).
func NewTokenCalibrator(maxSamples int) *TokenCalibrator {
	if maxSamples <= 0 {
		maxSamples = 100
	}
	return &TokenCalibrator{ratio: 1.0, maxSamples: maxSamples}
}

// Record adds a sample. Samples with no actual count are ignored.
func (c *TokenCalibrator) Record(estimated, actual int) {
	if actual <= 0 || estimated <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = append(c.samples, calibrationSample{estimated: estimated, actual: actual})
	if len(c.samples) > c.maxSamples {
		c.samples = c.samples[len(c.samples)-c.maxSamples:]
	}

	var est, act int
	for _, s := range c.samples {
		est += s.estimated
		act += s.actual
	}
	c.ratio = float64(est) / float64(act)
}

// Adjust corrects an estimate with the learned ratio.
func (c *TokenCalibrator) Adjust(estimated int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ratio <= 0 || len(c.samples) == 0 {
		return estimated
	}
	return int(float64(estimated) / c.ratio)
}

// Ratio returns estimated/actual over the retained samples.
func (c *TokenCalibrator) Ratio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ratio
}

// SampleCount returns the number of retained samples.
func (c *TokenCalibrator) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}
