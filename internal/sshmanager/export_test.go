package sshmanager

import (
	"time"

	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
)

// NewConnectionForTest builds an unregistered Connection with a 1ms poll
// interval.
func NewConnectionForTest(id string, target sshterminal.Target, dialer Dialer, connectTimeout, disconnectTimeout time.Duration) *Connection {
	return newConnection(id, target, dialer, connOptions{
		connectTimeout:    connectTimeout,
		disconnectTimeout: disconnectTimeout,
		pollInterval:      time.Millisecond,
	})
}

// Interval returns the sweep interval.
func (s *Sweeper) Interval() time.Duration { return s.interval }
