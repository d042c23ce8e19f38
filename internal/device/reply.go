// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package device

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ffutop/modbus-master/modbus"
)

// counters tracks reply lifetimes for one Device.
type counters struct {
	outstanding    atomic.Int64
	doubleReleases atomic.Int64
}

// Reply is the handle of one submitted request. It finishes exactly once,
// either with a result or with an error, and must be released exactly once
// by its consumer.
type Reply struct {
	id     uuid.UUID
	unit   modbus.DataUnit
	server int

	once   sync.Once
	done   chan struct{}
	result modbus.DataUnit
	err    error

	released atomic.Bool
	counters *counters
}

func newReply(unit modbus.DataUnit, server int, c *counters) *Reply {
	c.outstanding.Add(1)
	return &Reply{
		id:       uuid.New(),
		unit:     unit,
		server:   server,
		done:     make(chan struct{}),
		counters: c,
	}
}

// ID identifies the reply in diagnostics.
func (r *Reply) ID() uuid.UUID {
	return r.id
}

// ServerAddress is the unit the request was addressed to.
func (r *Reply) ServerAddress() int {
	return r.server
}

// Done is closed when the reply finishes.
func (r *Reply) Done() <-chan struct{} {
	return r.done
}

// IsFinished reports whether the outcome is available.
func (r *Reply) IsFinished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Err returns the failure of a finished reply: an *modbus.ExceptionError
// for device exceptions, one of the package sentinels otherwise. It is nil
// while the reply is pending and after a success.
func (r *Reply) Err() error {
	if !r.IsFinished() {
		return nil
	}
	return r.err
}

// Result returns the data unit of a successful reply. For reads it carries
// the values; it is the zero DataUnit when the response was malformed.
func (r *Reply) Result() modbus.DataUnit {
	if !r.IsFinished() {
		return modbus.DataUnit{}
	}
	return r.result
}

// Release hands the reply back. It returns false, and counts the misuse,
// when the reply was already released.
func (r *Reply) Release() bool {
	if !r.released.CompareAndSwap(false, true) {
		r.counters.doubleReleases.Add(1)
		return false
	}
	r.counters.outstanding.Add(-1)
	return true
}

func (r *Reply) finish(result modbus.DataUnit, err error) {
	r.once.Do(func() {
		r.result = result
		r.err = err
		close(r.done)
	})
}
