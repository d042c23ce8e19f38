// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package simulator serves a simulated Modbus slave over TCP or RTU, either
// backed by the local slave or by tbrandon/mbserver.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"

	"github.com/ffutop/modbus-master/internal/config"
	localslave "github.com/ffutop/modbus-master/internal/local-slave"
	"github.com/ffutop/modbus-master/internal/local-slave/model"
	"github.com/ffutop/modbus-master/internal/local-slave/persistence"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
	"github.com/ffutop/modbus-master/transport/rtu"
	rtuovertcp "github.com/ffutop/modbus-master/transport/rtu-over-tcp"
	"github.com/ffutop/modbus-master/transport/tcp"
)

const (
	BackendLocal    = "local"
	BackendMBServer = "mbserver"
)

// netServer is a server bound to a TCP socket.
type netServer interface {
	transport.Server
	Listen() error
	Addr() net.Addr
}

// Simulator is one simulated slave device.
type Simulator struct {
	cfg    config.SimulatorConfig
	logger *slog.Logger
	faults []localslave.Fault

	// local backend
	storage persistence.Storage
	slave   *localslave.LocalSlave
	server  transport.Server
	tcp     netServer

	// mbserver backend
	mb *mbserver.Server

	mu        sync.Mutex
	listening bool
}

// New builds the simulator described by cfg. Nothing is bound until
// Listen or Run.
func New(cfg config.SimulatorConfig, logger *slog.Logger) (*Simulator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	faults, err := parseFaults(cfg.Faults)
	if err != nil {
		return nil, err
	}
	var seed *Seed
	if cfg.Seed != "" {
		if seed, err = LoadSeed(cfg.Seed); err != nil {
			return nil, err
		}
	}

	s := &Simulator{cfg: cfg, logger: logger, faults: faults}
	switch cfg.Backend {
	case "", BackendLocal:
		err = s.initLocal(seed)
	case BackendMBServer:
		err = s.initMBServer(seed)
	default:
		err = fmt.Errorf("unknown simulator backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func parseFaults(cfgs []config.FaultConfig) ([]localslave.Fault, error) {
	faults := make([]localslave.Fault, 0, len(cfgs))
	for _, fc := range cfgs {
		table, err := model.ParseTable(fc.Table)
		if err != nil {
			return nil, fmt.Errorf("fault: %w", err)
		}
		if fc.Start < 0 || fc.Count < 1 || fc.Start+fc.Count > model.MaxAddress+1 {
			return nil, fmt.Errorf("fault: invalid range %d+%d", fc.Start, fc.Count)
		}
		faults = append(faults, localslave.Fault{
			Table: table,
			Start: uint16(fc.Start),
			Count: uint16(fc.Count),
			Code:  byte(fc.Code),
		})
	}
	return faults, nil
}

func (s *Simulator) initLocal(seed *Seed) error {
	storage, m := persistence.Open(s.cfg.Persistence, s.logger)
	if seed != nil {
		if err := seed.Apply(m); err != nil {
			storage.Close()
			return err
		}
		if err := storage.Save(m); err != nil {
			s.logger.Warn("Failed to persist seeded registers", "err", err)
		}
	}
	s.storage = storage
	s.slave = localslave.NewLocalSlave(m, storage,
		localslave.WithSlaveID(byte(s.cfg.SlaveID)),
		localslave.WithLatency(s.cfg.Latency),
		localslave.WithFaults(s.faults...),
		localslave.WithLogger(s.logger),
	)

	switch s.cfg.Listen {
	case "", config.TransportTCP:
		srv := tcp.NewServer(s.cfg.Tcp.Endpoint())
		srv.Logger = s.logger
		s.tcp, s.server = srv, srv
	case config.TransportRTUOverTCP:
		srv := rtuovertcp.NewServer(s.cfg.Tcp.Endpoint())
		srv.Logger = s.logger
		s.tcp, s.server = srv, srv
	case config.TransportRTU:
		srv := rtu.NewServer(s.cfg.Serial)
		srv.Logger = s.logger
		s.server = srv
	default:
		storage.Close()
		return fmt.Errorf("unknown simulator listener %q", s.cfg.Listen)
	}
	return nil
}

func (s *Simulator) initMBServer(seed *Seed) error {
	if s.cfg.Listen != "" && s.cfg.Listen != config.TransportTCP && s.cfg.Listen != config.TransportRTU {
		return fmt.Errorf("unknown simulator listener %q", s.cfg.Listen)
	}
	s.mb = mbserver.NewServer()
	if seed != nil {
		if err := seed.applyServer(s.mb); err != nil {
			return err
		}
	}
	for _, f := range s.faults {
		if f.Code == 0 {
			s.logger.Warn("mbserver backend cannot leave requests unanswered, fault ignored", "table", f.Table, "start", f.Start)
		}
	}
	if s.cfg.Latency > 0 || len(s.faults) > 0 {
		for fc, next := range map[uint8]mbHandler{
			modbus.FuncCodeReadCoils:              mbserver.ReadCoils,
			modbus.FuncCodeReadDiscreteInputs:     mbserver.ReadDiscreteInputs,
			modbus.FuncCodeReadHoldingRegisters:   mbserver.ReadHoldingRegisters,
			modbus.FuncCodeReadInputRegisters:     mbserver.ReadInputRegisters,
			modbus.FuncCodeWriteSingleCoil:        mbserver.WriteSingleCoil,
			modbus.FuncCodeWriteSingleRegister:    mbserver.WriteHoldingRegister,
			modbus.FuncCodeWriteMultipleCoils:     mbserver.WriteMultipleCoils,
			modbus.FuncCodeWriteMultipleRegisters: mbserver.WriteHoldingRegisters,
		} {
			s.mb.RegisterFunctionHandler(fc, s.wrap(next))
		}
	}
	return nil
}

type mbHandler = func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception)

// wrap applies latency and exception injection in front of an mbserver
// function handler.
func (s *Simulator) wrap(next mbHandler) mbHandler {
	return func(srv *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		if s.cfg.Latency > 0 {
			time.Sleep(s.cfg.Latency)
		}
		req := modbus.ProtocolDataUnit{FunctionCode: frame.GetFunction(), Data: frame.GetData()}
		if f, ok := localslave.FindFault(s.faults, req); ok && f.Code != 0 {
			s.logger.Debug("fault: answering with exception", "function", req.FunctionCode, "code", f.Code)
			exception := mbserver.Exception(f.Code)
			return []byte{}, &exception
		}
		return next(srv, frame)
	}
}

// Listen binds the configured endpoint. Run calls it when needed.
func (s *Simulator) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return nil
	}

	var err error
	switch {
	case s.tcp != nil:
		err = s.tcp.Listen()
	case s.mb != nil && s.cfg.Listen == config.TransportRTU:
		err = s.mb.ListenRTU(&serial.Config{
			Address:  s.cfg.Serial.Device,
			BaudRate: s.cfg.Serial.BaudRate,
			DataBits: s.cfg.Serial.DataBits,
			Parity:   s.cfg.Serial.Parity,
			StopBits: s.cfg.Serial.StopBits,
			Timeout:  s.cfg.Serial.Timeout,
		})
	case s.mb != nil:
		err = s.mb.ListenTCP(s.cfg.Tcp.Endpoint())
	}
	if err != nil {
		return err
	}
	s.listening = true
	return nil
}

// Addr returns the TCP endpoint the simulator answers on.
func (s *Simulator) Addr() string {
	if s.tcp != nil {
		if addr := s.tcp.Addr(); addr != nil {
			return addr.String()
		}
	}
	return s.cfg.Tcp.Endpoint()
}

// Model returns the register model of the local backend, nil for mbserver.
func (s *Simulator) Model() *model.DataModel {
	if s.slave == nil {
		return nil
	}
	return s.slave.Model()
}

// Run serves requests until ctx is done, then releases the simulator.
func (s *Simulator) Run(ctx context.Context) error {
	defer s.Close()
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("Simulator started", "backend", s.backend(), "listen", s.cfg.Listen, "slave_id", s.cfg.SlaveID)

	if s.server != nil {
		return s.server.Start(ctx, s.slave.Handle)
	}
	<-ctx.Done()
	return nil
}

// Close stops serving and flushes persistence.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.server != nil {
		errs = append(errs, s.server.Close())
	}
	if s.mb != nil {
		s.mb.Close()
	}
	if s.storage != nil {
		errs = append(errs, s.storage.Save(s.slave.Model()), s.storage.Close())
		s.storage = nil
	}
	return errors.Join(errs...)
}

func (s *Simulator) backend() string {
	if s.mb != nil {
		return BackendMBServer
	}
	return BackendLocal
}
