// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/modbus/crc"
	rtuframe "github.com/ffutop/modbus-master/modbus/rtu"
	"github.com/ffutop/modbus-master/transport"
)

// Server acts as a slave on the serial bus, answering an external master.
type Server struct {
	Config config.SerialConfig
	Logger *slog.Logger

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.SerialConfig) *Server {
	return &Server{
		Config: cfg,
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Start opens the serial port and serves requests until ctx is done.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	spConfig := serialConfig(s.Config)
	port, err := serial.Open(&spConfig)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Config.Device, err)
	}
	s.mu.Lock()
	s.port = port
	s.mu.Unlock()
	defer s.Close()
	s.logger().Info("RTU Server listening", "device", s.Config.Device)

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	return Serve(ctx, port, handler, s.logger())
}

// Close closes the serial port.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Serve answers RTU requests read from port until ctx is done or the port
// is closed. Bytes that do not start a valid frame are skipped.
func Serve(ctx context.Context, port io.ReadWriter, handler transport.RequestHandler, logger *slog.Logger) error {
	sc := &requestScanner{r: port, logger: logger}

	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := sc.next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) || transport.IsConnectionLost(err) {
				return nil
			}
			if !transport.IsTimeout(err) {
				logger.Debug("RTU read failed", "err", err)
			}
			continue
		}

		adu, err := Decode(frame)
		if err != nil {
			logger.Debug("discarding RTU frame", "err", err)
			continue
		}
		// Copy out of the scanner buffer.
		pdu := modbus.ProtocolDataUnit{
			FunctionCode: adu.Pdu.FunctionCode,
			Data:         append([]byte(nil), adu.Pdu.Data...),
		}

		respPDU, err := handler(ctx, adu.SlaveID, pdu)
		if errors.Is(err, transport.ErrNoResponse) {
			continue
		}
		if err != nil {
			logger.Error("Request handler failed", "err", err)
			respPDU = modbus.NewExceptionPDU(pdu.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
		}
		// Broadcasts are never answered.
		if adu.SlaveID == 0 {
			continue
		}

		resp := &ApplicationDataUnit{SlaveID: adu.SlaveID, Pdu: respPDU}
		raw, err := resp.Encode()
		if err != nil {
			logger.Error("Failed to encode RTU response", "err", err)
			continue
		}
		if _, err := port.Write(raw); err != nil {
			if transport.IsConnectionLost(err) {
				return nil
			}
			logger.Error("Failed to write RTU response", "err", err)
		}
	}
}

// requestScanner finds request frames in a byte stream. A frame is any
// offset whose header gives a known length and whose CRC matches, so noise
// and torn frames are passed over without losing the frames behind them.
type requestScanner struct {
	r      io.Reader
	logger *slog.Logger

	buf      [2 * rtuframe.MaxSize]byte
	n        int
	consumed int
}

// next returns the next request frame. The slice is valid until the
// following call.
func (sc *requestScanner) next() ([]byte, error) {
	if sc.consumed > 0 {
		sc.n = copy(sc.buf[:], sc.buf[sc.consumed:sc.n])
		sc.consumed = 0
	}
	for {
		if off, length, ok := sc.scan(); ok {
			if off > 0 {
				sc.logger.Debug("skipped bytes before RTU frame", "count", off, "data", fmt.Sprintf("% X", sc.buf[:off]))
			}
			sc.consumed = off + length
			return sc.buf[off : off+length], nil
		}
		// Every frame starting in the first half would have completed.
		if sc.n == len(sc.buf) {
			sc.logger.Debug("discarding RTU noise", "count", rtuframe.MaxSize)
			sc.n = copy(sc.buf[:], sc.buf[rtuframe.MaxSize:sc.n])
		}
		m, err := sc.r.Read(sc.buf[sc.n:])
		sc.n += m
		if m == 0 && err != nil {
			return nil, err
		}
	}
}

// scan returns the first complete frame with a valid CRC in the buffer.
func (sc *requestScanner) scan() (off, length int, ok bool) {
	data := sc.buf[:sc.n]
	for off = 0; off+rtuframe.MinSize <= len(data); off++ {
		length, err := rtuframe.CalculateRequestLength(data[off+1], data[off:])
		if err != nil || length > rtuframe.MaxSize || off+length > len(data) {
			continue
		}
		frame := data[off : off+length]
		if crc.Sum16(frame[:length-2]) == uint16(frame[length-1])<<8|uint16(frame[length-2]) {
			return off, length, true
		}
	}
	return 0, 0, false
}
