package task

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

const (
	// OutputSuffix is appended to the input base name.
	OutputSuffix = "-upscaled"
	// OutputContainer is the extension of every produced file.
	OutputContainer = "mkv"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusLaunched  Status = "launched"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Task is one input-to-output encode unit. It is never modified once queued.
type Task struct {
	ID         string `json:"id"`
	InputPath  string `json:"inputPath"`
	OutputPath string `json:"outputPath"`
	Name       string `json:"name"`
}

func newTask(inputPath, outputDir string) *Task {
	return &Task{
		ID:         shortuuid.New(),
		InputPath:  inputPath,
		OutputPath: OutputPath(inputPath, outputDir),
		Name:       filepath.Base(inputPath),
	}
}

// OutputPath derives <outputDir>/<base without extension>-upscaled.mkv.
func OutputPath(inputPath, outputDir string) string {
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outputDir, stem+OutputSuffix+"."+OutputContainer)
}

// RunState describes the task currently in flight.
type RunState struct {
	Task      *Task         `json:"task"`
	Status    Status        `json:"status"`
	Progress  int           `json:"progress"`
	Elapsed   time.Duration `json:"elapsed"`
	StartedAt time.Time     `json:"startedAt"`
}

type EventKind string

const (
	EventAdded     EventKind = "added"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventCanceled  EventKind = "canceled"
	EventFailed    EventKind = "failed"
)

// Event is a single notification pushed to the Observer. Line is the
// human-readable log line; the other fields carry the same data typed.
type Event struct {
	Kind       EventKind     `json:"kind"`
	TaskID     string        `json:"taskId,omitempty"`
	Path       string        `json:"path,omitempty"`
	Line       string        `json:"line"`
	Progress   int           `json:"progress"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	Time       time.Time     `json:"time"`
}
