package mempool

import (
	"math"
	"sync"
	"time"
)

// SizerConfig bounds the adaptive batch size.
type SizerConfig struct {
	Min     int
	Max     int
	Initial int

	// LatencyCeiling is the end-to-end batch latency the sizer defends.
	LatencyCeiling time.Duration
	// Headroom is the fraction of the ceiling below which the batch may grow.
	Headroom float64
	// TargetThroughput in orders per second; growth stops once reached. 0 = unbounded.
	TargetThroughput float64

	Alpha  float64 // EWMA smoothing factor
	Grow   float64 // multiplicative increase
	Shrink float64 // multiplicative decrease
}

func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		Min:              8,
		Max:              512,
		Initial:          32,
		LatencyCeiling:   50 * time.Millisecond,
		Headroom:         0.7,
		TargetThroughput: 20_000,
		Alpha:            0.3,
		Grow:             1.25,
		Shrink:           0.5,
	}
}

// Sizer adapts the batch size to observed latency and throughput.
type Sizer struct {
	mu         sync.Mutex
	cfg        SizerConfig
	size       int
	latency    float64 // EWMA, seconds
	throughput float64 // EWMA, orders/sec
	observed   bool
}

func NewSizer(cfg SizerConfig) *Sizer {
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.3
	}
	if cfg.Grow <= 1 {
		cfg.Grow = 1.25
	}
	if cfg.Shrink <= 0 || cfg.Shrink >= 1 {
		cfg.Shrink = 0.5
	}
	size := min(max(cfg.Initial, cfg.Min), cfg.Max)
	return &Sizer{cfg: cfg, size: size}
}

// Size returns the current batch size.
func (s *Sizer) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Observe records that a batch of n orders took elapsed end to end and
// adjusts the size. It returns the new size.
func (s *Sizer) Observe(n int, elapsed time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return s.size
	}

	lat := elapsed.Seconds()
	tput := 0.0
	if lat > 0 {
		tput = float64(n) / lat
	} else {
		tput = math.Inf(1)
	}
	if !s.observed {
		s.latency, s.throughput, s.observed = lat, tput, true
	} else {
		a := s.cfg.Alpha
		s.latency = a*lat + (1-a)*s.latency
		if math.IsInf(tput, 1) || math.IsInf(s.throughput, 1) {
			s.throughput = tput
		} else {
			s.throughput = a*tput + (1-a)*s.throughput
		}
	}

	ceiling := s.cfg.LatencyCeiling.Seconds()
	switch {
	case ceiling > 0 && s.latency > ceiling:
		s.size = max(s.cfg.Min, int(float64(s.size)*s.cfg.Shrink))
	case ceiling <= 0 || s.latency < s.cfg.Headroom*ceiling:
		if s.cfg.TargetThroughput > 0 && s.throughput >= s.cfg.TargetThroughput {
			break
		}
		grown := int(math.Ceil(float64(s.size) * s.cfg.Grow))
		s.size = min(s.cfg.Max, max(grown, s.size+1))
	}
	return s.size
}

// Latency returns the smoothed batch latency.
func (s *Sizer) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latency * float64(time.Second))
}

// Throughput returns the smoothed orders per second.
func (s *Sizer) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throughput
}
