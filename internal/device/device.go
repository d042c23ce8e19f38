// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package device drives one Modbus transport on behalf of a master: it owns
// the connection state, queues requests for a single worker and resolves
// each request into a Reply.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

var (
	ErrNotConnected    = errors.New("device: not connected")
	ErrQueueFull       = errors.New("device: request queue full")
	ErrReplyAborted    = errors.New("device: reply aborted")
	ErrTimeout         = errors.New("device: response timeout")
	ErrInvalidRequest  = errors.New("device: invalid request")
	ErrInvalidResponse = errors.New("device: invalid response")
	ErrConnection      = errors.New("device: connection error")
)

const (
	defaultTimeout   = time.Second
	defaultRetries   = 3
	defaultQueueSize = 64
)

// Factory builds the transport for one connection attempt.
type Factory func() (transport.Transport, error)

type Option func(*Device)

// WithTimeout bounds every attempt of a request, and the dial.
func WithTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.timeout = d }
}

// WithRetries sets how often a failed attempt is repeated.
func WithRetries(n int) Option {
	return func(dev *Device) { dev.retries = n }
}

func WithQueueSize(n int) Option {
	return func(dev *Device) { dev.queueSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(dev *Device) { dev.logger = l }
}

// WithErrorHandler is called for connection failures, from the goroutine
// that observed them.
func WithErrorHandler(fn func(error)) Option {
	return func(dev *Device) { dev.onError = fn }
}

// WithStateHandler is called after every state change.
func WithStateHandler(fn func(State)) Option {
	return func(dev *Device) { dev.onState = fn }
}

type request struct {
	reply *Reply
	pdu   modbus.ProtocolDataUnit
	read  bool
}

// Device is a Modbus client device. All requests go through one worker per
// connection, strictly in submission order.
type Device struct {
	factory   Factory
	queueSize int
	logger    *slog.Logger
	onError   func(error)
	onState   func(State)

	mu        sync.Mutex
	state     State
	attempt   uint64
	timeout   time.Duration
	retries   int
	transport transport.Transport
	queue     chan *request
	cancel    context.CancelFunc
	done      chan struct{}

	counters counters
}

// New creates an unconnected Device.
func New(factory Factory, opts ...Option) *Device {
	d := &Device{
		factory:   factory,
		queueSize: defaultQueueSize,
		timeout:   defaultTimeout,
		retries:   defaultRetries,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.queueSize < 1 {
		d.queueSize = 1
	}
	return d
}

// State returns the current connection state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SetTimeout changes the per-attempt timeout for subsequent requests.
func (d *Device) SetTimeout(timeout time.Duration) {
	d.mu.Lock()
	d.timeout = timeout
	d.mu.Unlock()
}

// SetRetries changes the retry count for subsequent requests.
func (d *Device) SetRetries(n int) {
	d.mu.Lock()
	d.retries = n
	d.mu.Unlock()
}

func (d *Device) policy() (time.Duration, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout, d.retries
}

// Outstanding returns the number of replies handed out and not released.
func (d *Device) Outstanding() int64 {
	return d.counters.outstanding.Load()
}

// DoubleReleases returns how often an already released reply was released
// again.
func (d *Device) DoubleReleases() int64 {
	return d.counters.doubleReleases.Load()
}

// Connect starts a connection attempt. It returns false when the device is
// not Unconnected or the transport could not be built; a true return only
// means the dial is under way.
func (d *Device) Connect() bool {
	d.mu.Lock()
	if d.state != Unconnected {
		d.mu.Unlock()
		return false
	}
	d.state = Connecting
	d.attempt++
	attempt := d.attempt
	d.mu.Unlock()
	d.notifyState(Connecting)

	// The factory may take locks of its own; call it unlocked.
	t, err := d.factory()

	d.mu.Lock()
	if d.state != Connecting || d.attempt != attempt {
		d.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return false
	}
	if err != nil {
		d.state = Unconnected
		d.mu.Unlock()
		d.notifyState(Unconnected)
		d.reportError(fmt.Errorf("%w: %w", ErrConnection, err))
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.transport = t
	d.cancel = cancel
	timeout := d.timeout
	d.mu.Unlock()

	go d.dial(ctx, t, timeout)
	return true
}

func (d *Device) dial(ctx context.Context, t transport.Transport, timeout time.Duration) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	err := t.Connect(dctx)
	cancel()

	d.mu.Lock()
	if d.transport != t || d.state != Connecting {
		// Disconnected while dialing.
		d.mu.Unlock()
		t.Close()
		return
	}
	if err != nil {
		d.state = Unconnected
		d.transport = nil
		d.cancel()
		d.mu.Unlock()
		t.Close()
		d.notifyState(Unconnected)
		d.reportError(fmt.Errorf("%w: %w", ErrConnection, err))
		return
	}
	queue := make(chan *request, d.queueSize)
	done := make(chan struct{})
	d.queue = queue
	d.done = done
	d.state = Connected
	d.mu.Unlock()
	d.notifyState(Connected)

	go d.work(ctx, t, queue, done)
}

// Disconnect closes the connection. Queued requests finish with
// ErrReplyAborted.
func (d *Device) Disconnect() {
	d.mu.Lock()
	if d.state != Connected && d.state != Connecting {
		d.mu.Unlock()
		return
	}
	d.state = Closing
	t, cancel, done := d.transport, d.cancel, d.done
	d.transport, d.queue, d.done, d.cancel = nil, nil, nil, nil
	d.mu.Unlock()
	d.notifyState(Closing)

	if cancel != nil {
		cancel()
	}
	if t != nil {
		t.Close()
	}
	if done != nil {
		<-done
	}

	d.mu.Lock()
	d.state = Unconnected
	d.mu.Unlock()
	d.notifyState(Unconnected)
}

// SendReadRequest queues a read of unit from the given server. The error is
// non-nil only when the request could not be queued at all.
func (d *Device) SendReadRequest(unit modbus.DataUnit, serverAddress int) (*Reply, error) {
	pdu, err := modbus.ReadRequest(unit)
	if err == nil && serverAddress == 0 {
		err = errors.New("read from the broadcast address")
	}
	return d.submit(unit, serverAddress, pdu, err, true)
}

// SendWriteRequest queues a write of unit to the given server. Address 0
// broadcasts; such a reply finishes once the request is on the wire.
func (d *Device) SendWriteRequest(unit modbus.DataUnit, serverAddress int) (*Reply, error) {
	pdu, err := modbus.WriteRequest(unit)
	return d.submit(unit, serverAddress, pdu, err, false)
}

func (d *Device) submit(unit modbus.DataUnit, server int, pdu modbus.ProtocolDataUnit, invalid error, read bool) (*Reply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Connected {
		return nil, ErrNotConnected
	}
	if invalid == nil && (server < 0 || server > 247) {
		invalid = fmt.Errorf("server address %d out of range", server)
	}
	if invalid != nil {
		r := newReply(unit, server, &d.counters)
		r.finish(modbus.DataUnit{}, fmt.Errorf("%w: %v", ErrInvalidRequest, invalid))
		return r, nil
	}
	// Only the worker drains the queue, so a free slot stays free while
	// the lock is held.
	if len(d.queue) == cap(d.queue) {
		return nil, ErrQueueFull
	}
	r := newReply(unit, server, &d.counters)
	d.queue <- &request{reply: r, pdu: pdu, read: read}
	return r, nil
}

func (d *Device) work(ctx context.Context, t transport.Transport, queue chan *request, done chan struct{}) {
	defer close(done)
	defer func() {
		for {
			select {
			case req := <-queue:
				req.reply.finish(modbus.DataUnit{}, ErrReplyAborted)
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-queue:
			if lost := d.process(ctx, t, req); lost != nil {
				d.connectionLost(t, lost)
				return
			}
		}
	}
}

// process runs one request to completion. It returns the transport error
// when the connection is gone.
func (d *Device) process(ctx context.Context, t transport.Transport, req *request) error {
	r := req.reply
	timeout, retries := d.policy()
	slaveID := byte(r.server)

	var resp modbus.ProtocolDataUnit
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, timeout)
		if slaveID == 0 {
			err = t.SendOnly(actx, slaveID, req.pdu)
		} else {
			resp, err = t.Send(actx, slaveID, req.pdu)
		}
		cancel()
		if err == nil || ctx.Err() != nil || transport.IsConnectionLost(err) {
			break
		}
		d.logger.Debug("modbus request attempt failed", "reply", r.id, "attempt", attempt+1, "err", err)
	}

	switch {
	case ctx.Err() != nil:
		r.finish(modbus.DataUnit{}, ErrReplyAborted)
		return nil
	case err != nil && transport.IsConnectionLost(err):
		r.finish(modbus.DataUnit{}, fmt.Errorf("%w: %w", ErrConnection, err))
		return err
	case err != nil && transport.IsTimeout(err):
		r.finish(modbus.DataUnit{}, fmt.Errorf("%w after %d attempts", ErrTimeout, retries+1))
		return nil
	case err != nil:
		r.finish(modbus.DataUnit{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err))
		return nil
	case slaveID == 0:
		r.finish(r.unit, nil)
		return nil
	}

	if req.read {
		result, err := modbus.ParseReadResponse(r.unit, req.pdu.FunctionCode, resp)
		if errors.Is(err, modbus.ErrMalformedResponse) {
			d.logger.Debug("malformed read response", "reply", r.id, "err", err)
			r.finish(modbus.DataUnit{}, nil)
			return nil
		}
		r.finish(result, err)
		return nil
	}
	if err := modbus.VerifyWriteResponse(req.pdu, resp); err != nil {
		if errors.Is(err, modbus.ErrMalformedResponse) {
			err = fmt.Errorf("%w: %w", ErrInvalidResponse, err)
		}
		r.finish(modbus.DataUnit{}, err)
		return nil
	}
	r.finish(r.unit, nil)
	return nil
}

func (d *Device) connectionLost(t transport.Transport, cause error) {
	d.mu.Lock()
	if d.transport != t {
		d.mu.Unlock()
		return
	}
	d.state = Unconnected
	d.transport, d.queue, d.done = nil, nil, nil
	d.cancel()
	d.mu.Unlock()

	t.Close()
	d.notifyState(Unconnected)
	d.reportError(fmt.Errorf("%w: %w", ErrConnection, cause))
}

func (d *Device) notifyState(s State) {
	d.logger.Debug("modbus device state changed", "state", s)
	if d.onState != nil {
		d.onState(s)
	}
}

func (d *Device) reportError(err error) {
	if d.onError != nil {
		d.onError(err)
		return
	}
	d.logger.Error("modbus device error", "err", err)
}
