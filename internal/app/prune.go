package app

import (
	"context"
	"errors"
	"time"

	"tradecore/internal/storage"
)

// PruneOptions configure the journal prune job.
type PruneOptions struct {
	Retention time.Duration
	DryRun    bool
}

// Prune deletes safety events older than the retention window.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	retention := opts.Retention
	if retention <= 0 {
		retention = a.Config.Database.JournalRetention
	}
	if retention <= 0 {
		return errors.New("journal retention must be positive")
	}
	cutoff := time.Now().UTC().Add(-retention)

	if opts.DryRun {
		a.Logger.Warn().Time("cutoff", cutoff).Msg("prune dry-run: nothing will be deleted")
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot prune")
	}
	if closeStore != nil {
		defer closeStore()
	}

	n, err := storage.NewEventJournal(store, a.Logger).Prune(ctx, time.Now().UTC(), retention)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("journal pruned")
	return nil
}
