package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"upscaler/config"
	"upscaler/task"

	"github.com/hashicorp/go-hclog"
)

// Launcher starts one ffmpeg process per task.
type Launcher struct {
	cfg       *config.Config
	resources *ResourceChecker
	logger    hclog.Logger
}

func NewLauncher(cfg *config.Config, logger hclog.Logger) (*Launcher, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	logger = logger.Named("ffmpeg")
	return &Launcher{
		cfg:       cfg,
		resources: NewResourceChecker(cfg, logger),
		logger:    logger,
	}, nil
}

// Launch validates the task, prepares the output directory and starts the
// encoder. Any error returned here means no process is running.
func (l *Launcher) Launch(ctx context.Context, t *task.Task, enc config.Encode) (task.Process, error) {
	if _, err := os.Stat(t.InputPath); err != nil {
		return nil, fmt.Errorf("input not readable: %w", err)
	}

	args, err := BuildArgs(t, enc, l.cfg.ShaderDir)
	if err != nil {
		return nil, fmt.Errorf("build arguments: %w", err)
	}

	outDir := filepath.Dir(t.OutputPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if err := l.resources.Check(outDir); err != nil {
		return nil, fmt.Errorf("insufficient system resources: %w", err)
	}

	l.logger.Info("executing", "task", t.Name, "cmd", l.cfg.FFBin+" "+strings.Join(args, " "))
	p, err := start(ctx, l.cfg.FFBin, args, l.cfg.TerminateGrace, l.logger.With("task", t.Name))
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", l.cfg.FFBin, err)
	}
	return p, nil
}

// KillStray is the sequencer's last-resort cleanup hook.
func (l *Launcher) KillStray() error {
	n, err := KillByName(l.cfg.FFBin)
	if n > 0 {
		l.logger.Warn("killed stray encoder processes", "count", n)
	}
	return err
}
