// Package sshmanagertest provides in-memory shells and dialers for testing
// code built on sshmanager, in the manner of net/http/httptest.
package sshmanagertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gluk-w/claworc/webssh/internal/sshmanager"
	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
)

// Shell is an in-memory sshmanager.Shell. Output queued with Emit is
// returned by ReadAvailable one chunk per call.
type Shell struct {
	mu         sync.Mutex
	pending    [][]byte
	written    []byte
	readErr    error
	writeErr   error
	dead       bool
	closed     bool
	closeCount int
	cols, rows int
	panicProbe bool
}

var (
	_ sshmanager.Shell  = (*Shell)(nil)
	_ sshmanager.Dialer = (*Dialer)(nil)
)

// NewShell returns a live fake shell with an 80x24 geometry.
func NewShell() *Shell {
	return &Shell{cols: 80, rows: 24}
}

// Emit queues output for the next ReadAvailable calls.
func (f *Shell) Emit(data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, []byte(data))
}

// FailReads makes ReadAvailable return err once queued output is drained.
func (f *Shell) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// FailWrites makes Write return err.
func (f *Shell) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// Kill simulates a transport that died silently: reads keep returning
// nothing but Active reports false.
func (f *Shell) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = true
}

// PanicOnProbe makes Active panic.
func (f *Shell) PanicOnProbe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panicProbe = true
}

// Written returns everything written to the shell so far.
func (f *Shell) Written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written)
}

// Size returns the last requested geometry.
func (f *Shell) Size() (cols, rows int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cols, f.rows
}

// Closed reports whether Close was called.
func (f *Shell) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// CloseCount returns how many times Close was called.
func (f *Shell) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

func (f *Shell) ReadAvailable() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) > 0 {
		chunk := f.pending[0]
		f.pending = f.pending[1:]
		return chunk, nil
	}
	if f.closed {
		return nil, errors.New("read on closed shell")
	}
	return nil, f.readErr
}

func (f *Shell) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, errors.New("write on closed shell")
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *Shell) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("resize on closed shell")
	}
	f.cols, f.rows = cols, rows
	return nil
}

func (f *Shell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCount++
	return nil
}

func (f *Shell) Active() bool {
	f.mu.Lock()
	panicProbe := f.panicProbe
	alive := !f.dead && !f.closed
	f.mu.Unlock()
	if panicProbe {
		panic("fake probe failure")
	}
	return alive
}

// Dialer is an sshmanager.Dialer that hands out Shells. Reject, when set,
// decides per target whether the dial fails; Delay holds each dial until it
// elapses or the context ends.
type Dialer struct {
	Reject func(t sshterminal.Target) error
	Delay  time.Duration

	mu     sync.Mutex
	shells []*Shell
}

func (d *Dialer) Dial(ctx context.Context, t sshterminal.Target) (sshmanager.Shell, error) {
	if d.Delay > 0 {
		timer := time.NewTimer(d.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if d.Reject != nil {
		if err := d.Reject(t); err != nil {
			return nil, err
		}
	}
	s := NewShell()
	d.mu.Lock()
	d.shells = append(d.shells, s)
	d.mu.Unlock()
	return s, nil
}

// Shells returns every shell handed out so far, in dial order.
func (d *Dialer) Shells() []*Shell {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Shell, len(d.shells))
	copy(out, d.shells)
	return out
}

// Last returns the most recently dialed shell, or nil.
func (d *Dialer) Last() *Shell {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.shells) == 0 {
		return nil
	}
	return d.shells[len(d.shells)-1]
}

// RejectPassword returns a Reject func that fails targets using password.
func RejectPassword(password string) func(sshterminal.Target) error {
	return func(t sshterminal.Target) error {
		if t.Password == password {
			return errors.New("ssh: handshake failed: unable to authenticate")
		}
		return nil
	}
}
