package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

func (e *Engine) autoTrainOn(ctx context.Context) bool {
	if e.redis == nil {
		return true
	}
	on, err := e.redis.IsAutoTrainOn(ctx, e.botID)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not read auto train flag")
		return false
	}
	return on
}

// Watch retrains the bot when its intents or entities change, once no
// change happened for the debounce delay. A running training is canceled
// first. Watch blocks until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	for _, kind := range []string{"intents", "entities"} {
		dir := filepath.Join(e.definitions.BotDir(e.botID), kind)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	var (
		wg    sync.WaitGroup
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			e.log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("definitions changed")
			if timer == nil {
				timer = time.NewTimer(e.watchDebounce)
			} else {
				timer.Reset(e.watchDebounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			e.log.Warn().Err(err).Msg("definitions watcher error")

		case <-fire:
			fire = nil
			if !e.autoTrainOn(ctx) {
				continue
			}
			if err := e.CancelTraining(ctx); err != nil {
				e.log.Warn().Err(err).Msg("could not cancel training")
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.TrainOrLoad(ctx, false); err != nil {
					e.log.Error().Err(err).Msg("auto train failed")
				}
			}()
		}
	}
}
