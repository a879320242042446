package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide relay traffic counter.
var Stats = &stats{}

type stats struct {
	TxnsStarted      atomic.Int64 // transactions enqueued since process start
	TxnsCompleted    atomic.Int64 // transactions satisfied and relayed back
	SamplesForwarded atomic.Int64 // batch samples forwarded to a subscriber
	SamplesDropped   atomic.Int64 // batch samples dropped (no subscriber / stale)
	BytesRelayed     atomic.Int64 // cumulative wire bytes relayed both ways
}

func (s *stats) AddTxn()          { s.TxnsStarted.Add(1) }
func (s *stats) CompleteTxn()     { s.TxnsCompleted.Add(1) }
func (s *stats) ForwardSample()   { s.SamplesForwarded.Add(1) }
func (s *stats) DropSample()      { s.SamplesDropped.Add(1) }
func (s *stats) AddRelayed(n int) { s.BytesRelayed.Add(int64(n)) }

// StartStatsReporter launches a goroutine that logs relay statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevBytes, prevTxns, prevFwd, prevDrop int64
		for {
			select {
			case <-ticker.C:
				txns := Stats.TxnsCompleted.Load()
				fwd := Stats.SamplesForwarded.Load()
				drop := Stats.SamplesDropped.Load()
				bytes := Stats.BytesRelayed.Load()

				rate := float64(bytes-prevBytes) / 10.0
				dTxns := txns - prevTxns
				dFwd := fwd - prevFwd
				dDrop := drop - prevDrop

				if dTxns > 0 || dFwd > 0 || dDrop > 0 || rate > 10 {
					pterm.DefaultLogger.Info(formatStats(rate, dTxns, dFwd, dDrop))
				}

				prevBytes = bytes
				prevTxns = txns
				prevFwd = fwd
				prevDrop = drop

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(rate float64, txns, fwd, drop int64) string {
	return fmt.Sprintf("Relay: %s/s | Txn: %2d | Samp: %2d→ %2d✗",
		formatBytes(rate),
		txns,
		fwd,
		drop,
	)
}
