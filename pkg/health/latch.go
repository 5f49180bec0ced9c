// Package health holds the process-wide readiness latch both transports
// share: /health/online and the RPC Online method flip the same boolean,
// and /health/ready and CheckReadiness gate on it.
package health

import "sync/atomic"

// Latch is the readiness latch. The zero value is offline: a fresh
// process probes 503 until Online is called.
type Latch struct {
	ready atomic.Bool
}

func (l *Latch) Online()  { l.ready.Store(true) }
func (l *Latch) Offline() { l.ready.Store(false) }

// Ready reports the current latch state.
func (l *Latch) Ready() bool { return l.ready.Load() }
