package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// Dumper persists a cache snapshot to disk, coalescing bursts of writes
// into a single dump once no write happened for the debounce delay.
// A failed dump disables the dumper for the rest of its lifetime.
type Dumper struct {
	path     string
	delay    time.Duration
	snapshot func() any
	log      zerolog.Logger

	trigger  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	closed   sync.Once
	disabled atomic.Bool
}

// NewDumper starts the background dump loop. Close must be called to stop it.
func NewDumper(path string, delay time.Duration, snapshot func() any, log zerolog.Logger) *Dumper {
	d := &Dumper{
		path:     path,
		delay:    delay,
		snapshot: snapshot,
		log:      log.With().Str("cache_file", path).Logger(),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Trigger schedules a dump.
func (d *Dumper) Trigger() {
	if d.disabled.Load() {
		return
	}
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Disabled reports whether a previous dump failed.
func (d *Dumper) Disabled() bool {
	return d.disabled.Load()
}

// Close stops the loop, flushing a pending dump first.
func (d *Dumper) Close() {
	d.closed.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dumper) loop() {
	defer d.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-d.trigger:
			if timer == nil {
				timer = time.NewTimer(d.delay)
				fire = timer.C
			} else {
				timer.Reset(d.delay)
			}
		case <-fire:
			timer, fire = nil, nil
			d.flush()
		case <-d.done:
			if timer != nil {
				timer.Stop()
				d.flush()
			}
			return
		}
	}
}

func (d *Dumper) flush() {
	if d.disabled.Load() {
		return
	}
	if err := d.write(); err != nil {
		d.disabled.Store(true)
		d.log.Warn().Err(err).Msg("could not persist cache, dumps disabled")
	}
}

func (d *Dumper) write() error {
	data, err := sonic.Marshal(d.snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode cache dump: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.WriteFile(d.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache dump: %w", err)
	}
	return nil
}

// Restore loads a dump file written by a Dumper into c. A missing file is
// not an error.
func Restore[V any](path string, c *LRU[V]) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache dump: %w", err)
	}

	var entries []Entry[V]
	if err := sonic.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to decode cache dump: %w", err)
	}
	c.Load(entries)
	return nil
}
