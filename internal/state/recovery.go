package state

import "github.com/rendis/shipyard/pkg/schema"

// Recovery counters are per step and live in memory only.

// CanRetryStep reports whether the step has recovery budget left.
func (s *Store) CanRetryStep(step string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canRetryLocked(step)
}

func (s *Store) canRetryLocked(step string) bool {
	rs, ok := s.recovery[step]
	if !ok {
		return s.maxRecoveryAttempts > 0
	}
	return rs.Attempt < s.maxRecoveryAttempts
}

// StartRecovery marks the step as in recovery. It returns false, leaving the
// state untouched, when the step's budget is exhausted.
func (s *Store) StartRecovery(step string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.canRetryLocked(step) {
		return false
	}
	rs := s.recoveryLocked(step)
	rs.InRecovery = true
	return true
}

// EndRecovery closes a recovery attempt. Success resets the counter; failure
// consumes one attempt.
func (s *Store) EndRecovery(step string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		delete(s.recovery, step)
		return
	}
	rs := s.recoveryLocked(step)
	rs.Attempt++
	rs.InRecovery = false
}

// RecoveryState returns a copy of the step's counters.
func (s *Store) RecoveryState(step string) schema.RecoveryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.recovery[step]; ok {
		return *rs
	}
	return schema.RecoveryState{}
}

// ResetRecovery drops the step's counters.
func (s *Store) ResetRecovery(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recovery, step)
}

func (s *Store) recoveryLocked(step string) *schema.RecoveryState {
	rs, ok := s.recovery[step]
	if !ok {
		rs = &schema.RecoveryState{}
		s.recovery[step] = rs
	}
	return rs
}
