package dispatch

// IntervalCounter counts samples into fixed-width buckets of the injected
// clock and keeps a bounded trailing window of completed buckets. The epoch
// scheduler reads the window once per beacon to estimate per-session
// request rates.
type IntervalCounter struct {
	clock         Clock
	bucketNS      int64
	currentBucket int64
	currentCount  uint64
	history       []uint64
	maxHistory    int
}

const defaultCounterHistory = 60

// NewIntervalCounter creates a counter with the given bucket width in
// seconds.
func NewIntervalCounter(clock Clock, bucketSeconds uint32) *IntervalCounter {
	c := &IntervalCounter{
		clock:      clock,
		bucketNS:   int64(bucketSeconds) * int64(1e9),
		maxHistory: defaultCounterHistory,
	}
	c.currentBucket = clock.Now() / c.bucketNS
	return c
}

// Add records n samples in the bucket covering the current time, first
// flushing any buckets that have completed since the last call.
func (c *IntervalCounter) Add(n uint64) {
	c.roll()
	c.currentCount += n
}

// History flushes completed buckets and returns the trailing window, oldest
// first. The returned slice is owned by the caller.
func (c *IntervalCounter) History() []uint64 {
	c.roll()
	out := make([]uint64, len(c.history))
	copy(out, c.history)
	c.history = c.history[:0]
	return out
}

// roll closes every bucket that has fully elapsed. Buckets with no samples
// still produce zero entries so rate math sees true gaps.
func (c *IntervalCounter) roll() {
	bucket := c.clock.Now() / c.bucketNS
	for c.currentBucket < bucket {
		c.history = append(c.history, c.currentCount)
		if len(c.history) > c.maxHistory {
			c.history = c.history[len(c.history)-c.maxHistory:]
		}
		c.currentCount = 0
		c.currentBucket++
	}
}

// MovingAverage turns bucket counts into a trailing-window rate estimate.
// The rate is negative until a full window of samples has been absorbed.
type MovingAverage struct {
	bucketSeconds uint32
	window        int
	samples       []float64
	next          int
	seeded        bool
}

// NewMovingAverage creates an average over windowSeconds of bucketSeconds
// buckets.
func NewMovingAverage(bucketSeconds, windowSeconds uint32) *MovingAverage {
	window := int(windowSeconds / bucketSeconds)
	if window < 1 {
		window = 1
	}
	return &MovingAverage{
		bucketSeconds: bucketSeconds,
		window:        window,
		samples:       make([]float64, 0, window),
	}
}

// AddSample absorbs one bucket count.
func (m *MovingAverage) AddSample(count uint64) {
	rate := float64(count) / float64(m.bucketSeconds)
	if !m.seeded {
		m.samples = append(m.samples, rate)
		if len(m.samples) == m.window {
			m.seeded = true
			m.next = 0
		}
		return
	}
	m.samples[m.next] = rate
	m.next = (m.next + 1) % m.window
}

// Rate returns the mean rate over the window, or -1 before the window is
// seeded.
func (m *MovingAverage) Rate() float64 {
	if !m.seeded {
		return -1
	}
	var sum float64
	for _, s := range m.samples {
		sum += s
	}
	return sum / float64(m.window)
}
