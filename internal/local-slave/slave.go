// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package localslave is an in-process Modbus slave: a register model, the
// PDU processing on top of it, and fault injection for exercising masters.
package localslave

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ffutop/modbus-master/internal/local-slave/model"
	"github.com/ffutop/modbus-master/internal/local-slave/persistence"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

// Fault answers every request touching [Start, Start+Count) of Table with
// exception Code. A zero Code leaves the request unanswered.
type Fault struct {
	Table model.TableType
	Start uint16
	Count uint16
	Code  byte
}

// Overlaps reports whether a request for quantity items of table at
// address touches the faulty range.
func (f Fault) Overlaps(table model.TableType, address, quantity uint16) bool {
	if f.Table != table {
		return false
	}
	lo, hi := int(f.Start), int(f.Start)+int(f.Count)
	return int(address) < hi && int(address)+int(quantity) > lo
}

// Option configures a LocalSlave.
type Option func(*LocalSlave)

// WithSlaveID restricts the slave to one unit address. Requests for other
// units are left unanswered. 0 answers every unit.
func WithSlaveID(id byte) Option {
	return func(s *LocalSlave) { s.slaveID = id }
}

// WithLatency delays every answer by d.
func WithLatency(d time.Duration) Option {
	return func(s *LocalSlave) { s.latency = d }
}

// WithFaults installs exception injection rules.
func WithFaults(faults ...Fault) Option {
	return func(s *LocalSlave) { s.faults = append(s.faults, faults...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *LocalSlave) { s.logger = l }
}

// LocalSlave implements the Modbus protocol logic on top of a DataModel.
type LocalSlave struct {
	model   *model.DataModel
	storage persistence.Storage

	slaveID byte
	latency time.Duration
	faults  []Fault
	logger  *slog.Logger

	requests atomic.Int64
}

// NewLocalSlave creates a new LocalSlave. storage may be nil.
func NewLocalSlave(m *model.DataModel, storage persistence.Storage, opts ...Option) *LocalSlave {
	s := &LocalSlave{
		model:   m,
		storage: storage,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model returns the register model.
func (s *LocalSlave) Model() *model.DataModel {
	return s.model
}

// Requests returns the number of requests addressed to this slave so far.
func (s *LocalSlave) Requests() int64 {
	return s.requests.Load()
}

// Handle serves one request as a transport.RequestHandler.
func (s *LocalSlave) Handle(ctx context.Context, slaveID byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if s.slaveID != 0 && slaveID != 0 && slaveID != s.slaveID {
		return modbus.ProtocolDataUnit{}, transport.ErrNoResponse
	}
	s.requests.Add(1)

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return modbus.ProtocolDataUnit{}, ctx.Err()
		case <-timer.C:
		}
	}

	if f, ok := s.fault(req); ok {
		if f.Code == 0 {
			s.logger.Debug("fault: dropping request", "function", req.FunctionCode, "table", f.Table)
			return modbus.ProtocolDataUnit{}, transport.ErrNoResponse
		}
		s.logger.Debug("fault: answering with exception", "function", req.FunctionCode, "code", f.Code)
		return modbus.NewExceptionPDU(req.FunctionCode, f.Code), nil
	}
	return s.Process(req)
}

func (s *LocalSlave) fault(req modbus.ProtocolDataUnit) (Fault, bool) {
	return FindFault(s.faults, req)
}

// FindFault returns the first of faults matching the range req touches.
func FindFault(faults []Fault, req modbus.ProtocolDataUnit) (Fault, bool) {
	if len(faults) == 0 || len(req.Data) < 4 {
		return Fault{}, false
	}
	table, ok := tableOf(req.FunctionCode)
	if !ok {
		return Fault{}, false
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := uint16(1)
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		quantity = binary.BigEndian.Uint16(req.Data[2:4])
	}
	for _, f := range faults {
		if f.Overlaps(table, address, quantity) {
			return f, true
		}
	}
	return Fault{}, false
}

func tableOf(funcCode byte) (model.TableType, bool) {
	switch funcCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteMultipleCoils:
		return model.TableCoils, true
	case modbus.FuncCodeReadDiscreteInputs:
		return model.TableDiscreteInputs, true
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeWriteSingleRegister, modbus.FuncCodeWriteMultipleRegisters:
		return model.TableHoldingRegisters, true
	case modbus.FuncCodeReadInputRegisters:
		return model.TableInputRegisters, true
	}
	return 0, false
}

// Process executes the Modbus Function Code against the memory model.
func (s *LocalSlave) Process(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return s.handleRead(req, modbus.ReadBitsQuantityMax, s.model.ReadCoils)
	case modbus.FuncCodeReadDiscreteInputs:
		return s.handleRead(req, modbus.ReadBitsQuantityMax, s.model.ReadDiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		return s.handleRead(req, modbus.ReadRegQuantityMax, s.model.ReadHoldingRegisters)
	case modbus.FuncCodeReadInputRegisters:
		return s.handleRead(req, modbus.ReadRegQuantityMax, s.model.ReadInputRegisters)
	case modbus.FuncCodeWriteSingleCoil:
		return s.handleWriteSingle(req, model.TableCoils, s.model.WriteSingleCoil)
	case modbus.FuncCodeWriteSingleRegister:
		return s.handleWriteSingle(req, model.TableHoldingRegisters, s.model.WriteSingleRegister)
	case modbus.FuncCodeWriteMultipleCoils:
		return s.handleWriteMultiple(req, model.TableCoils, modbus.WriteBitsQuantityMax, s.model.WriteMultipleCoils)
	case modbus.FuncCodeWriteMultipleRegisters:
		return s.handleWriteMultiple(req, model.TableHoldingRegisters, modbus.WriteRegQuantityMax, s.model.WriteMultipleRegisters)
	default:
		return modbus.NewExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	}
}

func (s *LocalSlave) handleRead(req modbus.ProtocolDataUnit, limit uint16, read func(address, quantity uint16) ([]byte, error)) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return modbus.NewExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > limit {
		return modbus.NewExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	data, err := read(address, quantity)
	if err != nil {
		return modbus.NewExceptionPDU(req.FunctionCode, exceptionCode(err)), nil
	}

	respData := make([]byte, 1+len(data))
	respData[0] = byte(len(data))
	copy(respData[1:], data)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}, nil
}

func (s *LocalSlave) handleWriteSingle(req modbus.ProtocolDataUnit, table model.TableType, write func(address, value uint16) error) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) != 4 {
		return modbus.NewExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if err := write(address, value); err != nil {
		return modbus.NewExceptionPDU(req.FunctionCode, exceptionCode(err)), nil
	}
	s.persist(table, address, 1)

	return req, nil // Echo request
}

func (s *LocalSlave) handleWriteMultiple(req modbus.ProtocolDataUnit, table model.TableType, limit uint16, write func(address, quantity uint16, data []byte) error) (modbus.ProtocolDataUnit, error) {
	if len(req.Data) < 6 {
		return modbus.NewExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > limit {
		return modbus.NewExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}
	if len(req.Data)-5 != int(byteCount) {
		return modbus.NewExceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue), nil
	}

	if err := write(address, quantity, req.Data[5:]); err != nil {
		return modbus.NewExceptionPDU(req.FunctionCode, exceptionCode(err)), nil
	}
	s.persist(table, address, quantity)

	respData := make([]byte, 4)
	binary.BigEndian.PutUint16(respData[0:2], address)
	binary.BigEndian.PutUint16(respData[2:4], quantity)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}, nil
}

func (s *LocalSlave) persist(table model.TableType, address, quantity uint16) {
	if s.storage != nil {
		s.storage.OnWrite(table, address, quantity)
	}
}

func exceptionCode(err error) byte {
	if errors.Is(err, model.ErrOutOfRange) {
		return modbus.ExceptionCodeIllegalDataAddress
	}
	return modbus.ExceptionCodeIllegalDataValue
}
