// Package worker holds the background housekeeping loops.
package worker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mediarelay/relay/internal/infra/storage"
)

// CleanerConfig holds retention settings for the cleanup loop.
type CleanerConfig struct {
	// MediaDir is the local directory fetched artifacts land in.
	MediaDir string

	// FileRetention bounds how long delivered artifacts stay on disk. Files
	// younger than this also back the resume short-circuit, so keep it well
	// above the recovery log's 24h resume window.
	FileRetention time.Duration

	// JobRetention bounds how long settled job rows stay in the recovery log.
	JobRetention time.Duration
}

// Cleaner deletes old media files and aged-out recovery log rows.
type Cleaner struct {
	cfg    CleanerConfig
	jobs   storage.DeliveryJobRepository
	logger *slog.Logger
}

// NewCleaner creates a new Cleaner worker.
func NewCleaner(cfg CleanerConfig, jobs storage.DeliveryJobRepository, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		cfg:    cfg,
		jobs:   jobs,
		logger: logger.With("component", "cleaner"),
	}
}

// Start runs the cleanup loop.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.FileRetention <= 0 && c.cfg.JobRetention <= 0 {
		return // Retention disabled
	}

	interval := time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.clean(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.clean(ctx)
		}
	}
}

func (c *Cleaner) clean(ctx context.Context) {
	if c.cfg.JobRetention > 0 {
		deleted, err := c.jobs.DeleteOlderThan(ctx, c.cfg.JobRetention)
		if err != nil {
			c.logger.Error("Failed to prune job rows", "error", err)
		} else if deleted > 0 {
			c.logger.Info("Pruned job rows", "deleted", deleted)
		}
	}

	if c.cfg.FileRetention > 0 && c.cfg.MediaDir != "" {
		removed := c.pruneFiles()
		if removed > 0 {
			c.logger.Info("Pruned media files", "removed", removed)
		}
	}
}

// pruneFiles removes artifacts older than the file retention window. Only the
// top level of the media directory is scanned; the fetcher never nests.
func (c *Cleaner) pruneFiles() int {
	entries, err := os.ReadDir(c.cfg.MediaDir)
	if err != nil {
		c.logger.Error("Failed to read media dir", "error", err)
		return 0
	}

	threshold := time.Now().Add(-c.cfg.FileRetention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			path := filepath.Join(c.cfg.MediaDir, entry.Name())
			if err := os.Remove(path); err != nil {
				c.logger.Error("Failed to remove media file", "file", entry.Name(), "error", err)
				continue
			}
			removed++
		}
	}
	return removed
}
