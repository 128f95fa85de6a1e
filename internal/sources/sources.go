// Package sources turns host logs and threat feeds into SecurityEvents.
// Every source implements the same contract: Start returns a channel the
// bus-facing pump drains, and the source owns reconnection, rotation, and
// coalescing concerns internally.
package sources

import (
	"context"
	"time"

	"afo/internal/types"
)

// Source is a restartable producer of SecurityEvents. The returned channel
// closes when the source stops; the daemon restarts failed sources with
// backoff.
type Source interface {
	Name() string
	Start(ctx context.Context) (<-chan types.SecurityEvent, error)
}

// Parser lifts one log line into an event. ok=false means the line is not
// of interest to this source.
type Parser func(line string, now time.Time) (types.SecurityEvent, bool)

// Cursors persists read positions across restarts so a source resumes
// after the last line it delivered instead of replaying the whole file.
// The store's daemon_state table satisfies it.
type Cursors interface {
	SetStateValue(ctx context.Context, key, value string) error
	GetStateValue(ctx context.Context, key string) (string, bool, error)
}
