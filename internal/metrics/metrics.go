package metrics

// Metrics collection for protocol operations

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// OperationType represents the type of operation
type OperationType string

const (
	OperationConnect     OperationType = "CONNECT"
	OperationRelease     OperationType = "RELEASE"
	OperationControl     OperationType = "CONTROL"
	OperationRecordRead  OperationType = "RECORD_READ"
	OperationRecordWrite OperationType = "RECORD_WRITE"
	OperationCyclicSend  OperationType = "CYCLIC_SEND"
	OperationCyclicRecv  OperationType = "CYCLIC_RECV"
	OperationDCPIdentify OperationType = "DCP_IDENTIFY"
	OperationDCPSet      OperationType = "DCP_SET"
)

// Metric represents a single operation metric
type Metric struct {
	Timestamp  time.Time
	Operation  OperationType
	Station    string
	Success    bool
	RTTMs      float64
	JitterMs   float64
	PNIOStatus uint32
	Error      string
}

// Sink collects and aggregates metrics
type Sink struct {
	mu      sync.RWMutex
	metrics []Metric
	summary *Summary
}

func newSummary() *Summary {
	return &Summary{
		RTTBuckets:     make(map[string]int),
		JitterBuckets:  make(map[string]int),
		RTTByOperation: make(map[OperationType]*OperationStats),
		RTTByStation:   make(map[string]*OperationStats),
	}
}

// Summary contains aggregated statistics
type Summary struct {
	TotalOperations    int
	SuccessfulOps      int
	FailedOps          int
	TimeoutCount       int
	ConnectionFailures int
	MinRTT             float64
	MaxRTT             float64
	AvgRTT             float64
	P50RTT             float64
	P90RTT             float64
	P95RTT             float64
	P99RTT             float64
	MinJitter          float64
	MaxJitter          float64
	AvgJitter          float64
	P50Jitter          float64
	P90Jitter          float64
	P95Jitter          float64
	P99Jitter          float64
	jitterCount        int
	RTTBuckets         map[string]int
	JitterBuckets      map[string]int
	RTTByOperation     map[OperationType]*OperationStats
	RTTByStation       map[string]*OperationStats
}

// OperationStats contains statistics for one operation type or station
type OperationStats struct {
	Count   int
	Success int
	Failed  int
	MinRTT  float64
	MaxRTT  float64
	AvgRTT  float64
	SumRTT  float64
}

func (st *OperationStats) clone() *OperationStats {
	c := *st
	return &c
}

// NewSink creates a new metrics sink
func NewSink() *Sink {
	return &Sink{
		metrics: make([]Metric, 0),
		summary: newSummary(),
	}
}

// Record records a new metric
func (s *Sink) Record(m Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = append(s.metrics, m)
	s.updateSummary(m)
}

// GetMetrics returns a copy of all recorded metrics
func (s *Sink) GetMetrics() []Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := make([]Metric, len(s.metrics))
	copy(metrics, s.metrics)
	return metrics
}

// GetSummary returns the aggregated summary
func (s *Sink) GetSummary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := newSummary()
	*summary = Summary{
		TotalOperations:    s.summary.TotalOperations,
		SuccessfulOps:      s.summary.SuccessfulOps,
		FailedOps:          s.summary.FailedOps,
		TimeoutCount:       s.summary.TimeoutCount,
		ConnectionFailures: s.summary.ConnectionFailures,
		MinRTT:             s.summary.MinRTT,
		MaxRTT:             s.summary.MaxRTT,
		AvgRTT:             s.summary.AvgRTT,
		MinJitter:          s.summary.MinJitter,
		MaxJitter:          s.summary.MaxJitter,
		AvgJitter:          s.summary.AvgJitter,
		RTTBuckets:         make(map[string]int),
		JitterBuckets:      make(map[string]int),
		RTTByOperation:     make(map[OperationType]*OperationStats),
		RTTByStation:       make(map[string]*OperationStats),
	}

	for op, stats := range s.summary.RTTByOperation {
		summary.RTTByOperation[op] = stats.clone()
	}
	for station, stats := range s.summary.RTTByStation {
		summary.RTTByStation[station] = stats.clone()
	}

	rttPercentiles, jitterPercentiles, rttBuckets, jitterBuckets := summarizeDistributions(s.metrics)
	summary.P50RTT = rttPercentiles[0]
	summary.P90RTT = rttPercentiles[1]
	summary.P95RTT = rttPercentiles[2]
	summary.P99RTT = rttPercentiles[3]
	summary.P50Jitter = jitterPercentiles[0]
	summary.P90Jitter = jitterPercentiles[1]
	summary.P95Jitter = jitterPercentiles[2]
	summary.P99Jitter = jitterPercentiles[3]
	for k, v := range rttBuckets {
		summary.RTTBuckets[k] = v
	}
	for k, v := range jitterBuckets {
		summary.JitterBuckets[k] = v
	}

	return summary
}

// updateSummary updates the summary statistics with a new metric
func (s *Sink) updateSummary(m Metric) {
	s.summary.TotalOperations++

	if m.Success {
		s.summary.SuccessfulOps++
	} else {
		s.summary.FailedOps++
		if m.Error != "" {
			if strings.Contains(m.Error, "timeout") || strings.Contains(m.Error, "timed out") {
				s.summary.TimeoutCount++
			}
			if strings.Contains(m.Error, "connect") || strings.Contains(m.Error, "socket") {
				s.summary.ConnectionFailures++
			}
		}
	}

	if m.JitterMs > 0 {
		if s.summary.MinJitter == 0 || m.JitterMs < s.summary.MinJitter {
			s.summary.MinJitter = m.JitterMs
		}
		if m.JitterMs > s.summary.MaxJitter {
			s.summary.MaxJitter = m.JitterMs
		}
		s.summary.jitterCount++
		totalJitter := s.summary.AvgJitter * float64(s.summary.jitterCount-1)
		totalJitter += m.JitterMs
		s.summary.AvgJitter = totalJitter / float64(s.summary.jitterCount)
	}

	if m.Success && m.RTTMs > 0 {
		if s.summary.MinRTT == 0 || m.RTTMs < s.summary.MinRTT {
			s.summary.MinRTT = m.RTTMs
		}
		if m.RTTMs > s.summary.MaxRTT {
			s.summary.MaxRTT = m.RTTMs
		}
		totalRTT := s.summary.AvgRTT * float64(s.summary.SuccessfulOps-1)
		totalRTT += m.RTTMs
		s.summary.AvgRTT = totalRTT / float64(s.summary.SuccessfulOps)
	}

	updateStats(s.summary.RTTByOperation, m.Operation, m)
	if m.Station != "" {
		updateStats(s.summary.RTTByStation, m.Station, m)
	}
}

func updateStats[K comparable](table map[K]*OperationStats, key K, m Metric) {
	stats, exists := table[key]
	if !exists {
		stats = &OperationStats{}
		table[key] = stats
	}
	stats.Count++
	if !m.Success {
		stats.Failed++
		return
	}
	stats.Success++
	if m.RTTMs > 0 {
		if stats.MinRTT == 0 || m.RTTMs < stats.MinRTT {
			stats.MinRTT = m.RTTMs
		}
		if m.RTTMs > stats.MaxRTT {
			stats.MaxRTT = m.RTTMs
		}
		stats.SumRTT += m.RTTMs
		stats.AvgRTT = stats.SumRTT / float64(stats.Success)
	}
}

func summarizeDistributions(metrics []Metric) ([4]float64, [4]float64, map[string]int, map[string]int) {
	rtts := make([]float64, 0, len(metrics))
	jitters := make([]float64, 0, len(metrics))
	rttBuckets := make(map[string]int)
	jitterBuckets := make(map[string]int)

	for _, m := range metrics {
		if m.Success && m.RTTMs > 0 {
			rtts = append(rtts, m.RTTMs)
			incrementBucket(rttBuckets, m.RTTMs)
		}
		if m.JitterMs > 0 {
			jitters = append(jitters, m.JitterMs)
			incrementBucket(jitterBuckets, m.JitterMs)
		}
	}

	return computePercentiles(rtts), computePercentiles(jitters), rttBuckets, jitterBuckets
}

func incrementBucket(buckets map[string]int, value float64) {
	switch {
	case value < 1:
		buckets["lt_1ms"]++
	case value < 5:
		buckets["1_5ms"]++
	case value < 10:
		buckets["5_10ms"]++
	case value < 50:
		buckets["10_50ms"]++
	case value < 100:
		buckets["50_100ms"]++
	case value < 500:
		buckets["100_500ms"]++
	default:
		buckets["gt_500ms"]++
	}
}

func computePercentiles(values []float64) [4]float64 {
	var result [4]float64
	if len(values) == 0 {
		return result
	}
	sort.Float64s(values)
	result[0] = percentile(values, 0.50)
	result[1] = percentile(values, 0.90)
	result[2] = percentile(values, 0.95)
	result[3] = percentile(values, 0.99)
	return result
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
