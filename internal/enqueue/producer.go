// Package enqueue scans notification sources and inserts dispatch-ready
// entries into the push queue.
package enqueue

import (
	"context"
	"time"

	"github.com/lumera-app/beacon/internal/queue"
)

// Producer discovers pending notification occurrences for one source
// category. Scans must be read-only: idempotency comes from dedupe keys, not
// from source mutation.
type Producer interface {
	// Name identifies the source category in logs, metrics and the scan
	// summary.
	Name() string

	// Scan returns the candidates due at now.
	Scan(ctx context.Context, now time.Time) ([]queue.Candidate, error)
}
