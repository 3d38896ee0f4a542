package report

import (
	"context"
	"errors"

	"upscaler/task"
)

// Fanout forwards every event to each observer in order.
type Fanout []task.Observer

func (f Fanout) Notify(e task.Event) {
	for _, o := range f {
		o.Notify(e)
	}
}

// Alert raises e on every observer in turn and returns once all of them
// have returned.
func (f Fanout) Alert(ctx context.Context, e task.Event) error {
	var errs []error
	for _, o := range f {
		if err := o.Alert(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
