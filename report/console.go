package report

import (
	"context"
	"io"

	"upscaler/task"

	"github.com/hashicorp/go-hclog"
)

// Console writes every event to the service log and rings the terminal bell
// on alerts.
type Console struct {
	logger hclog.Logger
	bell   io.Writer
}

func NewConsole(logger hclog.Logger, bell io.Writer) *Console {
	return &Console{logger: logger.Named("console"), bell: bell}
}

func (c *Console) Notify(e task.Event) {
	switch e.Kind {
	case task.EventFailed:
		c.logger.Error(e.Line, "task", e.TaskID)
	case task.EventProgress:
		c.logger.Info(e.Line, "task", e.TaskID)
	default:
		c.logger.Info(e.Line)
	}
}

// Alert never waits; acknowledgement is handled by the Hub.
func (c *Console) Alert(_ context.Context, e task.Event) error {
	c.logger.Error("encode failed", "task", e.TaskID, "path", e.Path, "diagnostic", e.Diagnostic)
	if c.bell != nil {
		_, _ = io.WriteString(c.bell, "\a")
	}
	return nil
}
