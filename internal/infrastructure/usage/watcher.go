package usage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/arieshq/aries/pkg/safego"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PricingWatcher hot-reloads the pricing table when its file changes, so
// price updates don't require a restart.
type PricingWatcher struct {
	path    string
	table   *PricingTable
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewPricingWatcher creates a watcher for the given pricing file. An empty
// path returns a nil watcher; callers treat that as "no hot reload".
func NewPricingWatcher(path string, table *PricingTable, logger *zap.Logger) (*PricingWatcher, error) {
	if path == "" {
		return nil, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create pricing watcher: %w", err)
	}
	return &PricingWatcher{
		path:    path,
		table:   table,
		watcher: w,
		logger:  logger.With(zap.String("component", "pricing-watcher")),
	}, nil
}

// Start loads the file once, then watches its directory for changes.
// Watching the directory instead of the file survives editors that replace
// the file on save.
func (w *PricingWatcher) Start(ctx context.Context) error {
	w.reload()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch pricing dir: %w", err)
	}

	safego.Go(w.logger, "pricing-watch", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(w.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					w.logger.Info("Pricing file changed, reloading")
					w.reload()
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("Pricing watcher error", zap.Error(err))
			}
		}
	})

	w.logger.Info("Pricing hot-reload started", zap.String("file", w.path))
	return nil
}

// Close stops the watcher.
func (w *PricingWatcher) Close() error {
	return w.watcher.Close()
}

func (w *PricingWatcher) reload() {
	pf, err := LoadPricingFile(w.path)
	if err != nil {
		w.logger.Warn("Pricing reload failed, keeping current table", zap.Error(err))
		return
	}
	w.table.Update(pf.Models, pf.Default)
	w.logger.Info("Pricing table updated", zap.Int("models", len(pf.Models)))
}
