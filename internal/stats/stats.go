// Package stats keeps the totals shared by every job in the process.
package stats

import (
	"go.uber.org/atomic"

	"github.com/pepperpark/mailshift/internal/metrics"
)

// Snapshot is the JSON shape served by the stats endpoint.
type Snapshot struct {
	TotalEmails int64 `json:"totalEmails"`
	TotalBytes  int64 `json:"totalBytes"`
}

// Stats counts migrated messages and bytes. The zero value is ready to use.
// Reset only clears these counters; the Prometheus mirrors stay monotonic.
type Stats struct {
	emails atomic.Int64
	bytes  atomic.Int64
}

func New() *Stats {
	return &Stats{}
}

// Add records successfully appended messages.
func (s *Stats) Add(emails, bytes int64) {
	s.emails.Add(emails)
	s.bytes.Add(bytes)
	metrics.MessagesMigratedTotal.Add(float64(emails))
	metrics.BytesMigratedTotal.Add(float64(bytes))
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{TotalEmails: s.emails.Load(), TotalBytes: s.bytes.Load()}
}

func (s *Stats) Reset() {
	s.emails.Store(0)
	s.bytes.Store(0)
}
