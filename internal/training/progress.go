package training

import (
	"context"
	"math"
	"sync"
	"time"

	"eino_nlu/internal/core"
	"eino_nlu/internal/tools"
)

// nbSteps is the number of progress units of a training run: one for the
// preprocessing stages and one per classifier.
const nbSteps = 5

// progressTracker accumulates step progress and forwards it, debounced, to
// the tools reporter. When the session gets canceled it reports right away
// and cancels the training context.
type progressTracker struct {
	mu         sync.Mutex
	botID      string
	session    *core.TrainingSession
	tools      *core.Tools
	cancel     context.CancelCauseFunc
	stopOnce   sync.Once
	total      float64
	normalized float64

	wait    time.Duration
	maxWait time.Duration
	timer   *time.Timer
	first   time.Time
	pending *core.SessionState
}

func newProgressTracker(botID string, session *core.TrainingSession, t *core.Tools, cancel context.CancelCauseFunc, wait, maxWait time.Duration) *progressTracker {
	return &progressTracker{
		botID:   botID,
		session: session,
		tools:   t,
		cancel:  cancel,
		wait:    wait,
		maxWait: maxWait,
	}
}

// step records the progress of the current step, between 0 and 1.
func (p *progressTracker) step(stepProgress float64) {
	if p.session == nil || p.canceled() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = math.Max(p.total, math.Floor(p.total)+tools.Round(stepProgress, 2))
	scaled := math.Min(1, tools.Round(p.total/nbSteps, 2))
	if scaled == p.normalized {
		return
	}
	p.normalized = scaled
	p.session.SetProgress(scaled)
	state := p.session.State()
	p.debounce(&state)
}

// canceled reports whether the session got canceled. The first time it
// does, the cancellation is reported and the training context canceled.
func (p *progressTracker) canceled() bool {
	if p.session == nil || !p.session.Canceled() {
		return false
	}
	p.stopOnce.Do(func() {
		p.tools.Report(p.botID, "Training canceled", p.session.State())
		p.cancel(core.ErrTrainingCanceled)
	})
	return true
}

// done completes a step.
func (p *progressTracker) done() {
	p.step(1)
}

func (p *progressTracker) debounce(state *core.SessionState) {
	p.pending = state
	now := time.Now()
	if p.timer == nil {
		p.first = now
		p.timer = time.AfterFunc(p.wait, p.fire)
		return
	}
	if now.Sub(p.first) >= p.maxWait {
		p.timer.Stop()
		p.timer = nil
		p.emit()
		return
	}
	p.timer.Reset(p.wait)
}

func (p *progressTracker) fire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = nil
	p.emit()
}

func (p *progressTracker) emit() {
	if p.pending == nil {
		return
	}
	p.tools.Report(p.botID, "Training", *p.pending)
	p.pending = nil
}

// flush delivers the last pending update and stops the timer.
func (p *progressTracker) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.emit()
}
