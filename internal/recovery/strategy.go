package recovery

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/shipyard/pkg/schema"
)

// Strategy names.
const (
	NetworkError    = "NETWORK_ERROR"
	AuthError       = "AUTH_ERROR"
	BuildError      = "BUILD_ERROR"
	DeploymentError = "DEPLOYMENT_ERROR"
)

// Strategy holds the fixed retry parameters of one error category.
type Strategy struct {
	Name          string
	MaxRetries    int
	RetryDelay    time.Duration
	BackoffFactor float64
	MaxBackoff    time.Duration
}

// DefaultStrategies returns a fresh copy of the built-in strategies.
func DefaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		NetworkError:    {Name: NetworkError, MaxRetries: 3, RetryDelay: 5 * time.Second, BackoffFactor: 2, MaxBackoff: 30 * time.Second},
		AuthError:       {Name: AuthError, MaxRetries: 1, RetryDelay: time.Second, BackoffFactor: 1, MaxBackoff: time.Second},
		BuildError:      {Name: BuildError, MaxRetries: 2, RetryDelay: 2 * time.Second, BackoffFactor: 1.5, MaxBackoff: 10 * time.Second},
		DeploymentError: {Name: DeploymentError, MaxRetries: 3, RetryDelay: 10 * time.Second, BackoffFactor: 2, MaxBackoff: time.Minute},
	}
}

// IsStrategy reports whether name is a known strategy.
func IsStrategy(name string) bool {
	_, ok := DefaultStrategies()[name]
	return ok
}

// Apply returns s with the non-zero fields of spec layered on top.
// Unparsable durations are ignored; pipeline validation reports them.
func (s Strategy) Apply(spec *schema.RecoverySpec) Strategy {
	if spec == nil {
		return s
	}
	if spec.MaxRetries != nil {
		s.MaxRetries = *spec.MaxRetries
	}
	if d, err := time.ParseDuration(spec.RetryDelay); err == nil {
		s.RetryDelay = d
	}
	if spec.BackoffFactor > 0 {
		s.BackoffFactor = spec.BackoffFactor
	}
	if d, err := time.ParseDuration(spec.MaxBackoff); err == nil {
		s.MaxBackoff = d
	}
	return s
}

// ComputeBackoff returns min(RetryDelay * BackoffFactor^attempt, MaxBackoff).
// Factors below 1 are treated as 1 so delays never shrink.
func ComputeBackoff(s Strategy, attempt int) time.Duration {
	if s.RetryDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	factor := s.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(s.RetryDelay) * math.Pow(factor, float64(attempt))
	if s.MaxBackoff > 0 && delay > float64(s.MaxBackoff) {
		return s.MaxBackoff
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryable reports whether err may be retried at all. Cancellation,
// validation and other non-retryable ShipyardError codes are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *schema.ShipyardError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return true
}

var networkErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ETIMEDOUT,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ENETDOWN,
	syscall.EPIPE,
}

var networkPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"temporary failure",
	"i/o timeout",
	"no such host",
	"network is unreachable",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"too many requests",
	"socket hang up",
	"econnrefused",
	"econnreset",
	"etimedout",
	"enotfound",
	"eai_again",
}

var authPatterns = []string{
	"unauthorized",
	"unauthenticated",
	"authentication",
	"authorization",
	"forbidden",
	"permission denied",
	"access denied",
	"invalid token",
	"token expired",
	"expired token",
	"invalid credentials",
	"not logged in",
	"login required",
	"401",
	"403",
}

// looksLikeNetwork checks OS-level codes first, then the message.
func looksLikeNetwork(err error, msg string) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		for _, n := range networkErrnos {
			if errno == n {
				return true
			}
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return containsAny(msg, networkPatterns)
}

func looksLikeAuth(msg string) bool {
	return containsAny(msg, authPatterns)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
