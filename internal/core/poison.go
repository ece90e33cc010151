package core

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrKilled is returned by evaluation when the poison flag of the running
// query is set, either by an explicit kill or by a timeout.
var ErrKilled = errors.New("query is killed before completion")

// Poison is a shared cancellation flag. Setting it is idempotent and
// lock-free; operators check it between tuples and unwind with ErrKilled.
type Poison struct {
	flag *atomic.Bool
}

// NewPoison makes an unset flag.
func NewPoison() Poison {
	return Poison{flag: new(atomic.Bool)}
}

// Kill sets the flag.
func (p Poison) Kill() {
	if p.flag != nil {
		p.flag.Store(true)
	}
}

// Check returns ErrKilled once the flag is set. The zero Poison never
// triggers, so library code can run without a cancellation context.
func (p Poison) Check() error {
	if p.flag != nil && p.flag.Load() {
		return ErrKilled
	}
	return nil
}

// KillAfter arms a timer that sets the flag after d. The returned stop
// function releases the timer early.
func (p Poison) KillAfter(d time.Duration) (stop func()) {
	t := time.AfterFunc(d, p.Kill)
	return func() { t.Stop() }
}
