package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"upscaler/config"
	"upscaler/progress"

	"github.com/hashicorp/go-hclog"
)

// Process is a running encoder started by a Launcher.
type Process interface {
	// Ticks yields progress on a 0-100 scale and is closed when the
	// process output ends.
	Ticks() <-chan int
	// Wait blocks until the process exits and returns its diagnostic output.
	Wait() (diagnostic string, err error)
	// Terminate asks the process to stop, escalating to a kill if it does not.
	Terminate() error
	Kill() error
}

type Launcher interface {
	Launch(ctx context.Context, t *Task, enc config.Encode) (Process, error)
}

type SettingsSource interface {
	Load() (config.Encode, error)
}

// Observer receives every event in the order it happened. Notify must not
// block; Alert may block until the alert is acknowledged.
type Observer interface {
	Notify(e Event)
	Alert(ctx context.Context, e Event) error
}

// ErrorLog is the persistent failure log.
type ErrorLog interface {
	Append(text string) error
	Name() string
}

// Stats summarizes one run.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
	Discarded int `json:"discarded"`
}

// Handle tracks one run of the queue.
type Handle struct {
	done  chan struct{}
	stats Stats
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Join blocks until the run ends and returns its stats.
func (h *Handle) Join() Stats {
	<-h.done
	return h.stats
}

// Sequencer owns the pending queue and runs it one task at a time on a single
// background worker.
type Sequencer struct {
	launcher       Launcher
	settings       SettingsSource
	observer       Observer
	errLog         ErrorLog
	logger         hclog.Logger
	abortOnFailure bool
	killStray      func() error
	now            func() time.Time

	mu        sync.Mutex
	pending   []*Task
	outputDir string
	handle    *Handle
	running   bool

	cancel  CancelFlag
	current atomic.Pointer[RunState]
}

func NewSequencer(cfg *config.Config, launcher Launcher, settings SettingsSource, observer Observer, errLog ErrorLog, logger hclog.Logger) *Sequencer {
	return &Sequencer{
		launcher:       launcher,
		settings:       settings,
		observer:       observer,
		errLog:         errLog,
		logger:         logger.Named("sequencer"),
		abortOnFailure: cfg.AbortOnFailure,
		now:            time.Now,
	}
}

// SetStrayKiller registers the last-resort cleanup run when task supervision
// panics.
func (s *Sequencer) SetStrayKiller(fn func() error) {
	s.killStray = fn
}

// EnqueueAll replaces the pending queue with one task per path.
func (s *Sequencer) EnqueueAll(paths []string, outputDir string) ([]*Task, error) {
	if len(paths) == 0 {
		return nil, ErrEmptyQueue
	}
	if outputDir == "" {
		return nil, errors.New("output directory is required")
	}
	for _, p := range paths {
		if p == "" {
			return nil, errors.New("input path must not be empty")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrBusy
	}

	tasks := make([]*Task, 0, len(paths))
	for _, p := range paths {
		t := newTask(p, outputDir)
		tasks = append(tasks, t)
		s.observer.Notify(Event{
			Kind:   EventAdded,
			TaskID: t.ID,
			Path:   p,
			Line:   "[Added] - " + p,
			Time:   s.now(),
		})
	}
	s.pending = tasks
	s.outputDir = outputDir
	s.logger.Info("queue replaced", "tasks", len(tasks), "output_dir", outputDir)
	return append([]*Task(nil), tasks...), nil
}

// Run starts processing the pending queue on a background worker. When a run
// is already in flight the existing handle is returned and started is false.
func (s *Sequencer) Run(ctx context.Context) (h *Handle, started bool, err error) {
	s.mu.Lock()
	if s.running {
		defer s.mu.Unlock()
		return s.handle, false, nil
	}
	empty := len(s.pending) == 0
	s.mu.Unlock()
	if empty {
		return nil, false, ErrEmptyQueue
	}

	// The settings file is read without holding the lock.
	enc, err := s.settings.Load()
	if err != nil {
		return nil, false, fmt.Errorf("load settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return s.handle, false, nil
	}
	if len(s.pending) == 0 {
		return nil, false, ErrEmptyQueue
	}

	s.cancel.Clear()
	tasks := append([]*Task(nil), s.pending...)
	h = &Handle{done: make(chan struct{}), stats: Stats{Total: len(tasks)}}
	s.handle = h
	s.running = true

	s.logger.Info("run started", "tasks", len(tasks), "codec", enc.Codec, "shader", enc.Shader,
		"width", enc.Width, "height", enc.Height)
	go s.work(ctx, h, tasks, enc)
	return h, true, nil
}

// Cancel requests that the current task stop and the rest of the queue be
// dropped. It takes effect at the worker's next checkpoint.
func (s *Sequencer) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}
	s.cancel.Set()
	s.logger.Info("cancellation requested")
	return nil
}

func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sequencer) Pending() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.pending...)
}

// Shutdown cancels the run in flight, if any, and waits for it to end or
// for ctx to expire.
func (s *Sequencer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	h := s.handle
	if s.running {
		s.cancel.Set()
	}
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OutputDir is the output directory of the most recently queued tasks.
func (s *Sequencer) OutputDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputDir
}

// Current returns a snapshot of the task in flight, or nil.
func (s *Sequencer) Current() *RunState {
	if rs := s.current.Load(); rs != nil {
		cp := *rs
		return &cp
	}
	return nil
}

func (s *Sequencer) work(ctx context.Context, h *Handle, tasks []*Task, enc config.Encode) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.logger.Info("run finished", "completed", h.stats.Completed, "failed", h.stats.Failed,
			"canceled", h.stats.Canceled, "discarded", h.stats.Discarded)
		close(h.done)
	}()

	for i, t := range tasks {
		if s.cancel.IsSet() || ctx.Err() != nil {
			s.discard(h, len(tasks)-i)
			return
		}

		switch s.runTask(ctx, t, enc) {
		case StatusCompleted:
			h.stats.Completed++
		case StatusCanceled:
			h.stats.Canceled++
		case StatusFailed:
			h.stats.Failed++
			if s.abortOnFailure && i+1 < len(tasks) {
				s.logger.Warn("aborting queue after failure", "task", t.Name)
				s.consume(t)
				s.discard(h, len(tasks)-i-1)
				return
			}
		}
		s.consume(t)
	}
}

func (s *Sequencer) consume(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p.ID == t.ID {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Sequencer) discard(h *Handle, n int) {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	h.stats.Discarded += n
	if n > 0 {
		s.logger.Info("remaining tasks discarded", "count", n)
	}
}

func (s *Sequencer) publish(rs RunState) {
	s.current.Store(&rs)
}

// runTask drives one task through Launched -> Running -> terminal state.
func (s *Sequencer) runTask(ctx context.Context, t *Task, enc config.Encode) (status Status) {
	start := s.now()
	state := RunState{Task: t, Status: StatusLaunched, StartedAt: start}
	s.publish(state)
	defer s.current.Store(nil)

	var proc Process
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.logger.Error("task supervision panicked", "task", t.Name, "panic", r)
		if proc != nil {
			_ = proc.Kill()
		}
		if s.killStray != nil {
			if err := s.killStray(); err != nil {
				s.logger.Warn("stray encoder cleanup failed", "error", err)
			}
		}
		s.fail(ctx, t, fmt.Sprintf("unexpected error while upscaling %s: %v", t.Name, r), state)
		status = StatusFailed
	}()

	s.logger.Info("launching", "task", t.Name, "output", t.OutputPath)
	proc, err := s.launcher.Launch(ctx, t, enc)
	if err != nil {
		lerr := &LaunchError{Task: t, Err: err}
		s.fail(ctx, t, lerr.Error(), state)
		return StatusFailed
	}

	ticks := proc.Ticks()
loop:
	for {
		select {
		case tick, ok := <-ticks:
			if !ok {
				break loop
			}
			if s.cancel.IsSet() {
				return s.abandon(t, proc, state)
			}
			state.Status = StatusRunning
			state.Progress = max(state.Progress, min(max(tick, 0), 100))
			state.Elapsed = s.now().Sub(start)
			s.publish(state)
			s.observer.Notify(Event{
				Kind:     EventProgress,
				TaskID:   t.ID,
				Path:     t.InputPath,
				Line:     fmt.Sprintf("[Upscaling] - %s - %s", t.Name, progress.FormatMeter(state.Progress, 100, state.Elapsed)),
				Progress: state.Progress,
				Elapsed:  state.Elapsed,
				Time:     s.now(),
			})
		case <-ctx.Done():
			return s.abandon(t, proc, state)
		}
	}

	diag, err := proc.Wait()
	state.Elapsed = s.now().Sub(start)
	if err != nil {
		rf := &RuntimeFailure{Task: t, Diagnostic: diag, Err: err}
		s.logger.Error("encode failed", "task", t.Name, "error", rf)
		_ = proc.Kill()
		s.removePartial(t.OutputPath)
		text := diag
		if text == "" {
			text = rf.Error()
		}
		s.fail(ctx, t, text, state)
		return StatusFailed
	}

	s.logger.Info("encode completed", "task", t.Name, "elapsed", state.Elapsed)
	s.observer.Notify(Event{
		Kind:     EventCompleted,
		TaskID:   t.ID,
		Path:     t.InputPath,
		Line:     fmt.Sprintf("Upscaling Finished Check %s for Details.", s.errLog.Name()),
		Progress: state.Progress,
		Elapsed:  state.Elapsed,
		Time:     s.now(),
	})
	return StatusCompleted
}

// abandon terminates the process after a cancellation was observed.
func (s *Sequencer) abandon(t *Task, proc Process, state RunState) Status {
	s.logger.Info("canceling encode", "task", t.Name, "progress", state.Progress)
	if err := proc.Terminate(); err != nil {
		s.logger.Warn("terminate failed", "task", t.Name, "error", err)
	}
	_, _ = proc.Wait()
	s.removePartial(t.OutputPath)

	s.observer.Notify(Event{
		Kind:     EventCanceled,
		TaskID:   t.ID,
		Path:     t.InputPath,
		Line:     "Upscaling Canceled.",
		Progress: state.Progress,
		Elapsed:  s.now().Sub(state.StartedAt),
		Time:     s.now(),
	})
	return StatusCanceled
}

// fail persists the diagnostic, posts the passive log line and then raises
// the blocking alert carrying the same text.
func (s *Sequencer) fail(ctx context.Context, t *Task, diagnostic string, state RunState) {
	if err := s.errLog.Append(diagnostic); err != nil {
		s.logger.Error("could not write error log", "path", s.errLog.Name(), "error", err)
	}

	ev := Event{
		Kind:       EventFailed,
		TaskID:     t.ID,
		Path:       t.InputPath,
		Line:       fmt.Sprintf("Upscaling Failed Check %s for Details.", s.errLog.Name()),
		Progress:   state.Progress,
		Elapsed:    state.Elapsed,
		Diagnostic: diagnostic,
		Time:       s.now(),
	}
	s.observer.Notify(ev)
	if err := s.observer.Alert(ctx, ev); err != nil {
		s.logger.Warn("alert not acknowledged", "task", t.Name, "error", err)
	}
}

func (s *Sequencer) removePartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("could not remove partial output", "path", path, "error", err)
	}
}
