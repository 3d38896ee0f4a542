package task

import "sync/atomic"

// CancelFlag is the cooperative cancellation signal shared between the worker
// and whoever requests a stop. It is polled; setting it never interrupts
// anything by itself.
type CancelFlag struct {
	v atomic.Bool
}

func (f *CancelFlag) Set()        { f.v.Store(true) }
func (f *CancelFlag) Clear()      { f.v.Store(false) }
func (f *CancelFlag) IsSet() bool { return f.v.Load() }
