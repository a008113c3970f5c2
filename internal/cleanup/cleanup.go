// Package cleanup reclaims build directories. Release is a rename, not
// a delete: a just-killed sketch process may still be flushing into its
// build dir, so directories are marked as trash and removed later by a
// scheduled sweep once a grace period has passed.
package cleanup

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const trashInfix = ".trash-"

// Defaults for the sweep schedule.
const (
	DefaultInterval = 5 * time.Minute
	DefaultGrace    = 2 * time.Minute
)

// Config tunes the reclamation sweep.
type Config struct {
	// Interval between sweep runs.
	Interval time.Duration `yaml:"interval"`
	// Grace is how long a marked dir must age before removal.
	Grace time.Duration `yaml:"grace"`
}

func (c Config) interval() time.Duration {
	if c.Interval <= 0 {
		return DefaultInterval
	}
	return c.Interval
}

func (c Config) grace() time.Duration {
	if c.Grace <= 0 {
		return DefaultGrace
	}
	return c.Grace
}

// Reclaimer marks build dirs for deletion and sweeps aged marks.
type Reclaimer struct {
	cfg    Config
	root   string
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a Reclaimer sweeping under root.
func New(cfg Config, root string, logger *slog.Logger) *Reclaimer {
	return &Reclaimer{
		cfg:    cfg,
		root:   root,
		logger: logger.With(slog.String("component", "cleanup")),
		cron:   cron.New(),
	}
}

// Start schedules the periodic sweep.
func (r *Reclaimer) Start() error {
	spec := fmt.Sprintf("@every %s", r.cfg.interval())
	if _, err := r.cron.AddFunc(spec, r.Sweep); err != nil {
		return fmt.Errorf("scheduling cleanup sweep: %w", err)
	}
	r.cron.Start()
	r.logger.Info("cleanup sweep scheduled",
		slog.Duration("interval", r.cfg.interval()),
		slog.Duration("grace", r.cfg.grace()))
	return nil
}

// Stop halts the sweep schedule and waits for a running sweep.
func (r *Reclaimer) Stop() {
	<-r.cron.Stop().Done()
}

// Release marks dir for reclamation. The rename is atomic, so a process
// still writing into the dir keeps its open handles while the path
// leaves the live namespace immediately.
func (r *Reclaimer) Release(dir string) {
	if dir == "" {
		return
	}
	marked := dir + trashInfix + strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.Rename(dir, marked); err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("marking build dir for reclamation failed",
				slog.String("dir", dir), slog.Any("error", err))
		}
		return
	}
	r.logger.Debug("build dir marked for reclamation", slog.String("dir", marked))
}

// Sweep removes marked dirs older than the grace period. Errors are
// logged and skipped so one stubborn dir never blocks the rest.
func (r *Reclaimer) Sweep() {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		r.logger.Warn("reading sweep root failed", slog.Any("error", err))
		return
	}

	cutoff := time.Now().Add(-r.cfg.grace()).Unix()
	removed := 0
	for _, entry := range entries {
		markedAt, ok := trashTimestamp(entry.Name())
		if !ok || markedAt > cutoff {
			continue
		}
		path := filepath.Join(r.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			r.logger.Warn("removing trashed dir failed",
				slog.String("dir", path), slog.Any("error", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("cleanup sweep removed dirs", slog.Int("count", removed))
	}
}

func trashTimestamp(name string) (int64, bool) {
	i := strings.LastIndex(name, trashInfix)
	if i < 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(name[i+len(trashInfix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
