// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package master adapts a Modbus client device to plain calls: reads
// return the register values or nothing, writes report whether the
// request was accepted and log failures later.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/device"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
	"github.com/ffutop/modbus-master/transport/rtu"
	rtuovertcp "github.com/ffutop/modbus-master/transport/rtu-over-tcp"
	"github.com/ffutop/modbus-master/transport/tcp"
)

// ErrDeviceBusy is returned when parameters change while the device is
// connecting or connected.
var ErrDeviceBusy = errors.New("master: device is busy")

// SerialParameters configure the RTU line.
type SerialParameters struct {
	Device   string
	BaudRate int
	Parity   string // "N", "E" or "O"
	DataBits int
	StopBits int
}

// NetworkParameters configure the TCP endpoint.
type NetworkParameters struct {
	Address string
	Port    int
}

func (p NetworkParameters) endpoint() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// ClientPolicy applies to every request sent after it is set.
type ClientPolicy struct {
	Timeout time.Duration
	Retries int
}

// Stats reports reply bookkeeping of the owned device.
type Stats struct {
	Outstanding    int64
	DoubleReleases int64
}

// Defaults.
var (
	DefaultSerialParameters  = SerialParameters{BaudRate: 19200, Parity: "E", DataBits: 8, StopBits: 1}
	DefaultNetworkParameters = NetworkParameters{Address: "127.0.0.1", Port: 502}
	DefaultClientPolicy      = ClientPolicy{Timeout: 1000 * time.Millisecond, Retries: 3}
)

type Option func(*Master)

func WithLogger(l *slog.Logger) Option {
	return func(m *Master) { m.logger = l }
}

// WithTransportFactory replaces the TCP/RTU transport selected at
// construction, e.g. with an in-process loopback.
func WithTransportFactory(f device.Factory) Option {
	return func(m *Master) { m.factory = f }
}

// WithRTUFraming sends RTU frames over the TCP connection of a TCP master.
func WithRTUFraming() Option {
	return func(m *Master) { m.rtuFraming = true }
}

// WithStateHandler observes the device state in addition to the master's
// own logging.
func WithStateHandler(fn func(device.State)) Option {
	return func(m *Master) { m.onState = fn }
}

// Master owns one client device.
type Master struct {
	useTCP     bool
	rtuFraming bool
	logger     *slog.Logger
	factory    device.Factory
	onState    func(device.State)

	mu      sync.Mutex
	serial  SerialParameters
	network NetworkParameters
	policy  ClientPolicy

	dev *device.Device
}

// New creates a Master talking TCP when useTCP is set, RTU otherwise. The
// choice is fixed for the lifetime of the Master.
func New(useTCP bool, opts ...Option) *Master {
	m := &Master{
		useTCP:  useTCP,
		logger:  slog.Default(),
		serial:  DefaultSerialParameters,
		network: DefaultNetworkParameters,
		policy:  DefaultClientPolicy,
	}
	for _, opt := range opts {
		opt(m)
	}
	factory := m.factory
	if factory == nil {
		factory = m.newTransport
	}
	m.dev = device.New(factory,
		device.WithTimeout(m.policy.Timeout),
		device.WithRetries(m.policy.Retries),
		device.WithLogger(m.logger),
		device.WithErrorHandler(m.deviceError),
		device.WithStateHandler(m.stateChanged),
	)
	return m
}

// newTransport builds the transport from the parameters current at
// connect time.
func (m *Master) newTransport() (transport.Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.useTCP && m.rtuFraming {
		c := rtuovertcp.NewClient(m.network.endpoint())
		c.Timeout = m.policy.Timeout
		c.Logger = m.logger
		return c, nil
	}
	if m.useTCP {
		c := tcp.NewClient(m.network.endpoint())
		c.Timeout = m.policy.Timeout
		c.Logger = m.logger
		return c, nil
	}
	if m.serial.Device == "" {
		return nil, errors.New("master: no serial device configured")
	}
	c := rtu.NewClient(config.SerialConfig{
		Device:   m.serial.Device,
		BaudRate: m.serial.BaudRate,
		DataBits: m.serial.DataBits,
		Parity:   m.serial.Parity,
		StopBits: m.serial.StopBits,
		Timeout:  m.policy.Timeout,
	})
	c.Logger = m.logger
	return c, nil
}

// ConfigureSerial sets the serial line. It is only allowed while
// unconnected.
func (m *Master) ConfigureSerial(p SerialParameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev.State() != device.Unconnected {
		return ErrDeviceBusy
	}
	m.serial = p
	return nil
}

// ConfigureNetwork sets the TCP endpoint. It is only allowed while
// unconnected.
func (m *Master) ConfigureNetwork(p NetworkParameters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev.State() != device.Unconnected {
		return ErrDeviceBusy
	}
	m.network = p
	return nil
}

// SetClientPolicy sets timeout and retries. It is only allowed while
// unconnected.
func (m *Master) SetClientPolicy(p ClientPolicy) error {
	if p.Timeout <= 0 || p.Retries < 0 {
		return fmt.Errorf("master: invalid client policy %+v", p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev.State() != device.Unconnected {
		return ErrDeviceBusy
	}
	m.policy = p
	m.dev.SetTimeout(p.Timeout)
	m.dev.SetRetries(p.Retries)
	return nil
}

// State returns the device connection state.
func (m *Master) State() device.State {
	return m.dev.State()
}

// Stats returns the reply counters of the device.
func (m *Master) Stats() Stats {
	return Stats{
		Outstanding:    m.dev.Outstanding(),
		DoubleReleases: m.dev.DoubleReleases(),
	}
}

// ConnectDevice starts a connection attempt unless the device is already
// connected. With reconnect set, a connected device is disconnected first.
// The result only says whether an attempt was started.
func (m *Master) ConnectDevice(reconnect bool) bool {
	if m.dev.State() != device.Connected {
		return m.dev.Connect()
	}
	if !reconnect {
		return true
	}
	m.dev.Disconnect()
	return m.dev.Connect()
}

// ReadData reads size values of typ starting at start from server. It
// blocks until the reply finishes or ctx is done. Any failure yields nil;
// the cause is logged. When the device is not connected a connection
// attempt is started and nil returned at once.
func (m *Master) ReadData(ctx context.Context, typ modbus.RegisterType, start, size uint16, server int) []uint16 {
	if m.dev.State() != device.Connected {
		m.logger.Debug("modbus device not connected, connecting")
		m.dev.Connect()
		return nil
	}

	reply, err := m.dev.SendReadRequest(modbus.NewDataUnit(typ, start, size), server)
	if err != nil {
		m.logger.Error("modbus read request failed", "type", typ, "start", start, "size", size, "err", err)
		return nil
	}
	if !await(ctx, reply) {
		m.logger.Warn("modbus read abandoned", "reply", reply.ID(), "err", ctx.Err())
		return nil
	}
	defer reply.Release()

	if err := reply.Err(); err != nil {
		m.replyError("read", reply, err)
		return nil
	}
	result := reply.Result()
	if !result.IsValid() {
		m.logger.Debug("modbus read returned an empty result", "reply", reply.ID(), "type", typ, "start", start)
		return nil
	}
	return result.Values
}

// WriteData queues a write of values to server and returns without
// waiting for the acknowledgement. false means the request was not
// accepted; a failed acknowledgement is only logged.
func (m *Master) WriteData(typ modbus.RegisterType, start uint16, values []uint16, server int) bool {
	if m.dev.State() != device.Connected {
		m.logger.Debug("modbus device not connected, connecting")
		m.dev.Connect()
		return false
	}

	reply, err := m.dev.SendWriteRequest(modbus.NewDataUnitWithValues(typ, start, values), server)
	if err != nil {
		m.logger.Error("modbus write request failed", "type", typ, "start", start, "err", err)
		return false
	}
	observe(reply, func(r *device.Reply) {
		if err := r.Err(); err != nil {
			m.replyError("write", r, err)
		}
	})
	return true
}

// Logger returns the logger diagnostics are written to.
func (m *Master) Logger() *slog.Logger {
	return m.logger
}

// Close disconnects the device.
func (m *Master) Close() {
	m.dev.Disconnect()
}

func (m *Master) replyError(op string, r *device.Reply, err error) {
	if code, ok := modbus.ExceptionCodeOf(err); ok {
		m.logger.Error("modbus "+op+" protocol error",
			"reply", r.ID(),
			"server", r.ServerAddress(),
			"exception_code", fmt.Sprintf("0x%02x", code),
			"err", err)
		return
	}
	m.logger.Error("modbus "+op+" error", "reply", r.ID(), "server", r.ServerAddress(), "err", err)
}

func (m *Master) deviceError(err error) {
	m.logger.Error("modbus device error", "err", err)
}

func (m *Master) stateChanged(s device.State) {
	switch s {
	case device.Connected:
		m.logger.Info("modbus device connected")
	case device.Unconnected:
		m.logger.Info("modbus device disconnected")
	}
	if m.onState != nil {
		m.onState(s)
	}
}
