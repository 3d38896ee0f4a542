package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Process is a started ffmpeg invocation. It satisfies task.Process.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	grace  time.Duration
	logger hclog.Logger

	ticks    chan int
	quit     chan struct{}
	quitOnce sync.Once
	exited   chan struct{}
	waitErr  error

	durationUs atomic.Int64
	mu         sync.Mutex
	stderr     bytes.Buffer
}

func start(ctx context.Context, bin string, args []string, grace time.Duration, logger hclog.Logger) (*Process, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	hideWindow(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		grace:  grace,
		logger: logger,
		ticks:  make(chan int),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readDiagnostics(stderr)
	}()
	go func() {
		defer readers.Done()
		p.readProgress(stdout)
	}()
	go func() {
		// Pipes must be drained before Wait.
		readers.Wait()
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	logger.Debug("process started", "pid", cmd.Process.Pid)
	return p, nil
}

func (p *Process) Ticks() <-chan int { return p.ticks }

// Wait blocks until the process has exited and returns everything it wrote
// to stderr.
func (p *Process) Wait() (string, error) {
	<-p.exited
	p.mu.Lock()
	diag := p.stderr.String()
	p.mu.Unlock()
	if p.waitErr != nil {
		return diag, fmt.Errorf("%s exited: %w", p.cmd.Path, p.waitErr)
	}
	return diag, nil
}

// Terminate sends ffmpeg its interactive quit key, which finalizes the
// output and exits. If the process is still alive after the grace period it
// is killed.
func (p *Process) Terminate() error {
	p.stopTicks()
	if _, err := io.WriteString(p.stdin, "q"); err != nil {
		p.logger.Debug("quit key not delivered", "error", err)
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(p.grace):
		p.logger.Warn("encoder did not quit in time, killing", "pid", p.cmd.Process.Pid, "grace", p.grace)
		return p.Kill()
	}
}

func (p *Process) Kill() error {
	p.stopTicks()
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *Process) stopTicks() {
	p.quitOnce.Do(func() { close(p.quit) })
}

func (p *Process) emit(v int) {
	select {
	case p.ticks <- v:
	case <-p.quit:
	}
}

func (p *Process) readProgress(r io.Reader) {
	defer close(p.ticks)
	p.emit(0)

	var pp progressParser
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if pct, ok := pp.feed(sc.Text(), p.durationUs.Load()); ok {
			p.emit(pct)
		}
	}
	if err := sc.Err(); err != nil {
		p.logger.Warn("error reading progress", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *Process) readDiagnostics(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if us, ok := parseDuration(line); ok {
			p.durationUs.CompareAndSwap(0, us)
		}
		p.mu.Lock()
		p.stderr.WriteString(line)
		p.stderr.WriteByte('\n')
		p.mu.Unlock()
	}
	if err := sc.Err(); err != nil {
		p.mu.Lock()
		_, _ = io.Copy(&p.stderr, r)
		p.mu.Unlock()
	}
}
