package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and invokes onReload after the
// live config has been replaced. The watch is placed on the directory so
// editors that rename-and-replace (vim, sed -i) keep being observed.
// Events are settled for 250ms before reloading; reloads that do not change
// the config hash are skipped.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var settle *time.Timer
		settleCh := make(chan struct{}, 1)
		lastHash := cfg.Hash()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if settle != nil {
					settle.Stop()
				}
				settle = time.AfterFunc(250*time.Millisecond, func() {
					select {
					case settleCh <- struct{}{}:
					default:
					}
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watch error", "error", err)

			case <-settleCh:
				next, err := Load(path)
				if err != nil {
					slog.Error("config reload failed, keeping previous", "path", path, "error", err)
					continue
				}
				if h := next.Hash(); h == lastHash {
					continue
				} else {
					lastHash = h
				}
				if err := next.Validate(); err != nil {
					slog.Error("config reload rejected", "path", path, "error", err)
					continue
				}
				cfg.ReplaceFrom(next)
				slog.Info("config reloaded", "path", path, "accounts", len(next.Accounts))
				if onReload != nil {
					onReload(cfg)
				}
			}
		}
	}()

	return nil
}
