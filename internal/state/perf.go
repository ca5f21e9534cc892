package state

import "time"

// PerfSample aggregates executions of one step within a run.
type PerfSample struct {
	Count    int   `json:"count"`
	LastMs   int64 `json:"last_ms"`
	TotalMs  int64 `json:"total_ms"`
	AvgMs    int64 `json:"avg_ms"`
	Failures int   `json:"failures"`
}

// RecordPerformance adds one timing sample for step.
func (s *Store) RecordPerformance(step string, d time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.perf[step]
	if !ok {
		p = &PerfSample{}
		s.perf[step] = p
	}
	ms := d.Milliseconds()
	p.Count++
	p.LastMs = ms
	p.TotalMs += ms
	p.AvgMs = p.TotalMs / int64(p.Count)
	if !success {
		p.Failures++
	}
}

// Performance returns a copy of all samples keyed by step name.
func (s *Store) Performance() map[string]PerfSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PerfSample, len(s.perf))
	for k, v := range s.perf {
		out[k] = *v
	}
	return out
}

// PerformanceMetrics renders the samples as a metrics blob.
func (s *Store) PerformanceMetrics() map[string]any {
	perf := s.Performance()
	out := make(map[string]any, len(perf))
	for name, p := range perf {
		out[name] = map[string]any{
			"count":    p.Count,
			"last_ms":  p.LastMs,
			"avg_ms":   p.AvgMs,
			"failures": p.Failures,
		}
	}
	return out
}
