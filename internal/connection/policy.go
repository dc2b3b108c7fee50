package connection

import (
	"fmt"
	"time"
)

// ReconnectPolicy bounds automatic reconnection after a failed dial or a
// dropped connection. With Linear set the n-th retry waits n*Interval,
// otherwise every retry waits Interval.
type ReconnectPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Linear      bool
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		Interval:    2 * time.Second,
	}
}

func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Linear {
		return time.Duration(attempt) * p.Interval
	}
	return p.Interval
}

func (p ReconnectPolicy) String() string {
	mode := "fixed"
	if p.Linear {
		mode = "linear"
	}
	return fmt.Sprintf("%d attempts, %s %s backoff", p.MaxAttempts, p.Interval, mode)
}

// TransportError is surfaced once the reconnect policy is exhausted.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection lost after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
