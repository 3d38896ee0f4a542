package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"upscaler/config"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess is driven by a script goroutine that pushes ticks until it
// returns or the process is stopped.
type fakeProcess struct {
	ticks      chan int
	stop       chan struct{}
	exited     chan struct{}
	stopOnce   sync.Once
	terminated atomic.Bool
	kills      atomic.Int32
	diag       string
	exitErr    error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		ticks:  make(chan int),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (p *fakeProcess) send(v int) bool {
	select {
	case p.ticks <- v:
		return true
	case <-p.stop:
		return false
	}
}

func (p *fakeProcess) Ticks() <-chan int { return p.ticks }

func (p *fakeProcess) Wait() (string, error) {
	<-p.exited
	return p.diag, p.exitErr
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}

type script func(p *fakeProcess, t *Task)

func ticks(values ...int) script {
	return func(p *fakeProcess, t *Task) {
		for _, v := range values {
			if !p.send(v) {
				return
			}
		}
	}
}

func touchOutput(next script) script {
	return func(p *fakeProcess, t *Task) {
		_ = os.WriteFile(t.OutputPath, []byte("partial"), 0o644)
		next(p, t)
	}
}

type fakeLauncher struct {
	mu        sync.Mutex
	scripts   map[string]script
	launchErr map[string]error
	panicOn   string
	launched  []string
	procs     map[string]*fakeProcess
	last      *fakeProcess
	overlap   bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		scripts:   map[string]script{},
		launchErr: map[string]error{},
		procs:     map[string]*fakeProcess{},
	}
}

func (l *fakeLauncher) Launch(ctx context.Context, t *Task, enc config.Encode) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last != nil {
		select {
		case <-l.last.exited:
		default:
			l.overlap = true
		}
	}
	l.launched = append(l.launched, t.Name)
	if t.Name == l.panicOn {
		panic("launcher exploded")
	}
	if err := l.launchErr[t.Name]; err != nil {
		return nil, err
	}

	p := newFakeProcess()
	l.last = p
	l.procs[t.Name] = p
	sc := l.scripts[t.Name]
	if sc == nil {
		sc = ticks(0, 50, 100)
	}
	go func() {
		sc(p, t)
		close(p.ticks)
		close(p.exited)
	}()
	return p, nil
}

func (l *fakeLauncher) launches() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.launched...)
}

func (l *fakeLauncher) proc(name string) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[name]
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	alerts []Event
}

func (r *recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Alert(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, e)
	return nil
}

func (r *recorder) snapshot() ([]Event, []Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...), append([]Event(nil), r.alerts...)
}

func (r *recorder) lines() []string {
	events, _ := r.snapshot()
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Line)
	}
	return out
}

func (r *recorder) saw(kind EventKind, taskID string, progress int) bool {
	events, _ := r.snapshot()
	for _, e := range events {
		if e.Kind == kind && e.TaskID == taskID && e.Progress == progress {
			return true
		}
	}
	return false
}

type memErrorLog struct {
	mu      sync.Mutex
	entries []string
}

func (m *memErrorLog) Append(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, text)
	return nil
}

func (m *memErrorLog) Name() string { return "output.txt" }

func (m *memErrorLog) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entries...)
}

type staticSettings struct {
	enc config.Encode
	err error
}

func (s staticSettings) Load() (config.Encode, error) { return s.enc, s.err }

func testSettings() staticSettings {
	return staticSettings{enc: config.Encode{
		Width: 3840, Height: 2160, BitRate: "8M", Codec: "hevc_nvenc", Preset: "p7", Shader: "a.glsl",
	}}
}

type fixture struct {
	seq      *Sequencer
	launcher *fakeLauncher
	rec      *recorder
	errLog   *memErrorLog
}

func newFixture(cfg *config.Config) *fixture {
	if cfg == nil {
		cfg = &config.Config{}
	}
	f := &fixture{
		launcher: newFakeLauncher(),
		rec:      &recorder{},
		errLog:   &memErrorLog{},
	}
	f.seq = NewSequencer(cfg, f.launcher, testSettings(), f.rec, f.errLog, hclog.NewNullLogger())
	return f
}

func progressLines(lines []string, name string) []string {
	var out []string
	for _, l := range lines {
		if strings.HasPrefix(l, "[Upscaling] - "+name+" - ") {
			out = append(out, l)
		}
	}
	return out
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/out", "c-upscaled.mkv"), OutputPath("/a/b/c.mkv", "/out"))
	assert.Equal(t, filepath.Join("/out", "show.s01e01-upscaled.mkv"), OutputPath("/in/show.s01e01.mp4", "/out"))
	assert.Equal(t, filepath.Join("/out", "noext-upscaled.mkv"), OutputPath("/in/noext", "/out"))
}

func TestSequencer_EnqueueAll(t *testing.T) {
	f := newFixture(nil)

	tasks, err := f.seq.EnqueueAll([]string{"/in/video1.mkv", "/in/video2.mkv"}, "/out")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.NotEmpty(t, tasks[0].ID)
	assert.NotEqual(t, tasks[0].ID, tasks[1].ID)
	assert.Equal(t, filepath.Join("/out", "video1-upscaled.mkv"), tasks[0].OutputPath)
	assert.Equal(t, "video2.mkv", tasks[1].Name)

	assert.Equal(t, []string{"[Added] - /in/video1.mkv", "[Added] - /in/video2.mkv"}, f.rec.lines())
	assert.Len(t, f.seq.Pending(), 2)

	// A second call replaces, not appends.
	_, err = f.seq.EnqueueAll([]string{"/in/video3.mkv"}, "/out")
	require.NoError(t, err)
	pending := f.seq.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "video3.mkv", pending[0].Name)

	_, err = f.seq.EnqueueAll(nil, "/out")
	assert.ErrorIs(t, err, ErrEmptyQueue)
	_, err = f.seq.EnqueueAll([]string{"/in/a.mkv"}, "")
	assert.Error(t, err)
}

func TestSequencer_RunsInOrderOneAtATime(t *testing.T) {
	f := newFixture(nil)
	paths := []string{"/in/a.mkv", "/in/b.mkv", "/in/c.mkv"}
	tasks, err := f.seq.EnqueueAll(paths, "/out")
	require.NoError(t, err)

	h, started, err := f.seq.Run(context.Background())
	require.NoError(t, err)
	require.True(t, started)
	stats := h.Join()

	assert.Equal(t, Stats{Total: 3, Completed: 3}, stats)
	assert.Equal(t, []string{"a.mkv", "b.mkv", "c.mkv"}, f.launcher.launches())
	assert.False(t, f.launcher.overlap, "a task was launched before the previous one exited")
	assert.Empty(t, f.seq.Pending())
	assert.Nil(t, f.seq.Current())
	assert.False(t, f.seq.Running())

	// Every event of task N precedes every event of task N+1.
	events, alerts := f.rec.snapshot()
	assert.Empty(t, alerts)
	order := map[string]int{}
	for i, tk := range tasks {
		order[tk.ID] = i
	}
	last := -1
	for _, e := range events {
		if e.Kind == EventAdded {
			continue
		}
		idx := order[e.TaskID]
		assert.GreaterOrEqual(t, idx, last)
		last = idx
	}
	assert.Equal(t, 2, last)
}

func TestSequencer_ProgressIsMonotonicAndBounded(t *testing.T) {
	f := newFixture(nil)
	f.launcher.scripts["a.mkv"] = ticks(0, 30, 20, 70, 150, -5)
	_, err := f.seq.EnqueueAll([]string{"/in/a.mkv"}, "/out")
	require.NoError(t, err)

	h, _, err := f.seq.Run(context.Background())
	require.NoError(t, err)
	h.Join()

	events, _ := f.rec.snapshot()
	var seen []int
	for _, e := range events {
		if e.Kind == EventProgress {
			seen = append(seen, e.Progress)
		}
	}
	assert.Equal(t, []int{0, 30, 30, 70, 100, 100}, seen)

	lines := progressLines(f.rec.lines(), "a.mkv")
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], "  0%|")
	assert.Contains(t, lines[5], "100%|")
}

func TestSequencer_EndToEndCancel(t *testing.T) {
	f := newFixture(nil)
	dir := t.TempDir()
	gate := make(chan struct{})

	f.launcher.scripts["video1.mkv"] = touchOutput(ticks(0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100))
	f.launcher.scripts["video2.mkv"] = touchOutput(func(p *fakeProcess, t *Task) {
		for v := 0; v <= 40; v += 10 {
			if !p.send(v) {
				return
			}
		}
		<-gate
		if !p.send(50) {
			return
		}
		<-p.stop
	})

	tasks, err := f.seq.EnqueueAll([]string{"video1.mkv", "video2.mkv"}, dir)
	require.NoError(t, err)

	h, _, err := f.seq.Run(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.rec.saw(EventProgress, tasks[1].ID, 40)
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.seq.Cancel())
	close(gate)

	stats := h.Join()
	assert.Equal(t, Stats{Total: 2, Completed: 1, Canceled: 1}, stats)

	lines := f.rec.lines()
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, "[Added] - video1.mkv", lines[0])
	assert.Equal(t, "[Added] - video2.mkv", lines[1])

	v1 := progressLines(lines, "video1.mkv")
	require.Len(t, v1, 11)
	assert.Contains(t, v1[10], "100%|")

	v2 := progressLines(lines, "video2.mkv")
	require.Len(t, v2, 5)
	assert.Contains(t, v2[4], " 40%|")

	assert.Equal(t, "Upscaling Finished Check output.txt for Details.", lines[2+len(v1)])
	assert.Equal(t, "Upscaling Canceled.", lines[len(lines)-1])

	// Canceling is informational only.
	_, alerts := f.rec.snapshot()
	assert.Empty(t, alerts)
	assert.Empty(t, f.errLog.all())

	assert.True(t, f.launcher.proc("video2.mkv").terminated.Load())
	assert.FileExists(t, tasks[0].OutputPath)
	assert.NoFileExists(t, tasks[1].OutputPath)
}

func TestSequencer_CancelSkipsRemainingTasks(t *testing.T) {
	f := newFixture(nil)
	gate := make(chan struct{})
	f.launcher.scripts["a.mkv"] = func(p *fakeProcess, t *Task) {
		p.send(100)
		<-gate
	}
	tasks, err := f.seq.EnqueueAll([]string{"/in/a.mkv", "/in/b.mkv", "/in/c.mkv"}, "/out")
	require.NoError(t, err)

	h, _, err := f.seq.Run(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.rec.saw(EventProgress, tasks[0].ID, 100)
	}, 2*time.Second, 5*time.Millisecond)

	// The flag is set after the last tick; the task still completes but
	// nothing after it starts.
	require.NoError(t, f.seq.Cancel())
	close(gate)

	stats := h.Join()
	assert.Equal(t, Stats{Total: 3, Completed: 1, Discarded: 2}, stats)
	assert.Equal(t, []string{"a.mkv"}, f.launcher.launches())
	assert.Empty(t, f.seq.Pending())
}

func TestSequencer_RuntimeFailure(t *testing.T) {
	f := newFixture(nil)
	f.launcher.scripts["bad.mkv"] = func(p *fakeProcess, t *Task) {
		p.send(0)
		p.send(12)
		p.diag = "Error initializing filter 'libplacebo'"
		p.exitErr = errors.New("exit status 1")
	}
	tasks, err := f.seq.EnqueueAll([]string{"/in/bad.mkv", "/in/good.mkv"}, "/out")
	require.NoError(t, err)

	h, _, err := f.seq.Run(context.Background())
	require.NoError(t, err)
	stats := h.Join()

	assert.Equal(t, Stats{Total: 2, Completed: 1, Failed: 1}, stats)
	assert.Equal(t, []string{"bad.mkv", "good.mkv"}, f.launcher.launches())

	logged := f.errLog.all()
	_, alerts := f.rec.snapshot()
	require.Len(t, logged, 1)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Error initializing filter 'libplacebo'", logged[0])
	assert.Equal(t, logged[0], alerts[0].Diagnostic)
	assert.Equal(t, EventFailed, alerts[0].Kind)
	assert.Equal(t, tasks[0].ID, alerts[0].TaskID)
	assert.Equal(t, 12, alerts[0].Progress)

	assert.Contains(t, f.rec.lines(), "Upscaling Failed Check output.txt for Details.")
	assert.GreaterOrEqual(t, f.launcher.proc("bad.mkv").kills.Load(), int32(1))
}

func TestSequencer_LaunchError(t *testing.T) {
	f := newFixture(nil)
	f.launcher.launchErr["missing.mkv"] = errors.New("exec: \"ffmpeg\": executable file not found in $PATH")
	tasks, err := f.seq.EnqueueAll([]string{"/in/missing.mkv", "/in/ok.mkv"}, "/out")
	require.NoError(t, err)

	h, _, err := f.seq.Run(context.Background())
	require.NoError(t, err)
	stats := h.Join()

	assert.Equal(t, Stats{Total: 2, Completed: 1, Failed: 1}, stats)
	assert.False(t, f.rec.saw(EventProgress, tasks[0].ID, 0), "no progress for a task that never started")

	logged := f.errLog.all()
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "launch missing.mkv")
	assert.Contains(t, logged[0], "executable file not found")

	_, alerts := f.rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, logged[0], alerts[0].Diagnostic)
}

func TestSequencer_AbortOnFailure(t *testing.T) {
	f := newFixture(&config.Config{AbortOnFailure: true})
	f.launcher.launchErr["a.mkv"] = errors.New("boom")
	_, err := f.seq.EnqueueAll([]string{"/in/a.mkv", "/in/b.mkv"}, "/out")
	require.NoError(t, err)

	h, _, err := f.seq.Run(context.Background())
	require.NoError(t, err)
	stats := h.Join()

	assert.Equal(t, Stats{Total: 2, Failed: 1, Discarded: 1}, stats)
	assert.Equal(t, []string{"a.mkv"}, f.launcher.launches())
	assert.Empty(t, f.seq.Pending())
}

func TestSequencer_PanicKeepsWorkerAlive(t *testing.T) {
	f := newFixture(nil)
	f.launcher.panicOn = "a.mkv"
	var strayKills atomic.Int32
	f.seq.SetStrayKiller(func() error {
		strayKills.Add(1)
		return nil
	})
	_, err := f.seq.EnqueueAll([]string{"/in/a.mkv", "/in/b.mkv"}, "/out")
	require.NoError(t, err)

	h, _, err := f.seq.Run(context.Background())
	require.NoError(t, err)
	stats := h.Join()

	assert.Equal(t, Stats{Total: 2, Completed: 1, Failed: 1}, stats)
	assert.Equal(t, int32(1), strayKills.Load())
	logged := f.errLog.all()
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "launcher exploded")
}

func TestSequencer_RunIsIdempotentWhileRunning(t *testing.T) {
	f := newFixture(nil)
	gate := make(chan struct{})
	f.launcher.scripts["a.mkv"] = func(p *fakeProcess, t *Task) {
		p.send(0)
		<-gate
		p.send(100)
	}
	_, err := f.seq.EnqueueAll([]string{"/in/a.mkv"}, "/out")
	require.NoError(t, err)

	h1, started, err := f.seq.Run(context.Background())
	require.NoError(t, err)
	require.True(t, started)

	h2, started, err := f.seq.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
	assert.Same(t, h1, h2)

	_, err = f.seq.EnqueueAll([]string{"/in/z.mkv"}, "/out")
	assert.ErrorIs(t, err, ErrBusy)

	require.Eventually(t, func() bool { return f.seq.Current() != nil }, time.Second, 5*time.Millisecond)
	cur := f.seq.Current()
	assert.Equal(t, "a.mkv", cur.Task.Name)

	close(gate)
	assert.Equal(t, Stats{Total: 1, Completed: 1}, h1.Join())
	assert.Equal(t, []string{"a.mkv"}, f.launcher.launches())
}

func TestSequencer_RunPreconditions(t *testing.T) {
	t.Run("empty queue", func(t *testing.T) {
		f := newFixture(nil)
		_, _, err := f.seq.Run(context.Background())
		assert.ErrorIs(t, err, ErrEmptyQueue)
	})

	t.Run("cancel while idle", func(t *testing.T) {
		f := newFixture(nil)
		assert.ErrorIs(t, f.seq.Cancel(), ErrNotRunning)
	})

	t.Run("settings failure starts nothing", func(t *testing.T) {
		f := newFixture(nil)
		f.seq.settings = staticSettings{err: errors.New("width must be a positive integer")}
		_, err := f.seq.EnqueueAll([]string{"/in/a.mkv"}, "/out")
		require.NoError(t, err)

		_, _, err = f.seq.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "load settings")
		assert.False(t, f.seq.Running())
		assert.Empty(t, f.launcher.launches())
	})

	t.Run("rerun after cancel needs a fresh queue", func(t *testing.T) {
		f := newFixture(nil)
		gate := make(chan struct{})
		f.launcher.scripts["a.mkv"] = func(p *fakeProcess, t *Task) {
			p.send(0)
			<-gate
			p.send(10)
			<-p.stop
		}
		tasks, err := f.seq.EnqueueAll([]string{"/in/a.mkv", "/in/b.mkv"}, "/out")
		require.NoError(t, err)
		h, _, err := f.seq.Run(context.Background())
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return f.rec.saw(EventProgress, tasks[0].ID, 0)
		}, time.Second, 5*time.Millisecond)
		require.NoError(t, f.seq.Cancel())
		close(gate)
		h.Join()

		_, _, err = f.seq.Run(context.Background())
		assert.ErrorIs(t, err, ErrEmptyQueue)

		_, err = f.seq.EnqueueAll([]string{"/in/b.mkv"}, "/out")
		require.NoError(t, err)
		h, started, err := f.seq.Run(context.Background())
		require.NoError(t, err)
		require.True(t, started)
		assert.Equal(t, Stats{Total: 1, Completed: 1}, h.Join())
	})
}

func TestSequencer_ContextCancelStopsTask(t *testing.T) {
	f := newFixture(nil)
	f.launcher.scripts["a.mkv"] = func(p *fakeProcess, t *Task) {
		p.send(0)
		<-p.stop
	}
	tasks, err := f.seq.EnqueueAll([]string{"/in/a.mkv", "/in/b.mkv"}, "/out")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h, _, err := f.seq.Run(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.rec.saw(EventProgress, tasks[0].ID, 0)
	}, time.Second, 5*time.Millisecond)
	cancel()

	assert.Equal(t, Stats{Total: 2, Canceled: 1, Discarded: 1}, h.Join())
	assert.True(t, f.launcher.proc("a.mkv").terminated.Load())
}

func TestSequencer_Shutdown(t *testing.T) {
	f := newFixture(nil)
	assert.NoError(t, f.seq.Shutdown(context.Background()))

	f.launcher.scripts["a.mkv"] = func(p *fakeProcess, t *Task) {
		for i := 0; p.send(min(i, 99)); i++ {
			time.Sleep(2 * time.Millisecond)
		}
	}
	_, err := f.seq.EnqueueAll([]string{"/in/a.mkv", "/in/b.mkv"}, "/out")
	require.NoError(t, err)
	h, _, err := f.seq.Run(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.seq.Current() != nil }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.seq.Shutdown(ctx))
	assert.False(t, f.seq.Running())
	assert.Equal(t, Stats{Total: 2, Canceled: 1, Discarded: 1}, h.Join())
	assert.Equal(t, []string{"a.mkv"}, f.launcher.launches())
}

type gatedSettings struct {
	entered chan struct{}
	release chan struct{}
}

func (g gatedSettings) Load() (config.Encode, error) {
	close(g.entered)
	<-g.release
	return testSettings().Load()
}

func TestSequencer_SettingsReadOutsideLock(t *testing.T) {
	f := newFixture(nil)
	gate := gatedSettings{entered: make(chan struct{}), release: make(chan struct{})}
	f.seq.settings = gate
	_, err := f.seq.EnqueueAll([]string{"/in/a.mkv"}, "/out")
	require.NoError(t, err)

	type result struct {
		h       *Handle
		started bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		h, started, err := f.seq.Run(context.Background())
		done <- result{h, started, err}
	}()
	<-gate.entered

	queried := make(chan struct{})
	go func() {
		assert.False(t, f.seq.Running())
		assert.Len(t, f.seq.Pending(), 1)
		assert.ErrorIs(t, f.seq.Cancel(), ErrNotRunning)
		close(queried)
	}()
	select {
	case <-queried:
	case <-time.After(time.Second):
		t.Fatal("queue state blocked while settings were being read")
	}

	close(gate.release)
	r := <-done
	require.NoError(t, r.err)
	require.True(t, r.started)
	assert.Equal(t, Stats{Total: 1, Completed: 1}, r.h.Join())
}
