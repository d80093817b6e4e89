package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/threatpilot/remediator/internal/metrics"
	"github.com/threatpilot/remediator/internal/storage"
)

// TempBlockCounter counts the tracked temporary blocks. *firewall.Manager
// satisfies it.
type TempBlockCounter interface {
	CountTemporary(ctx context.Context) (int, error)
}

// Janitor refreshes the storage gauges. It never unblocks anything; expired
// blocks are only removed by an explicit cleanup.
type Janitor struct {
	store    storage.Store
	counter  TempBlockCounter
	interval time.Duration
	log      zerolog.Logger
}

// NewJanitor creates a Janitor.
func NewJanitor(store storage.Store, counter TempBlockCounter, interval time.Duration, log zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{
		store:    store,
		counter:  counter,
		interval: interval,
		log:      log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	n, err := j.counter.CountTemporary(ctx)
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: count temporary blocks failed")
	} else {
		metrics.ActiveTempBlocks.Set(float64(n))
	}

	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read store size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	j.log.Debug().Int("temp_blocks", n).Msg("janitor: tick complete")
}
