// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command modbus-master reads or writes coils and holding registers of one
// Modbus device.
//
//	modbus-master [flags] read-coils|read-holding|write-coils|write-holding [values...]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/device"
	localslave "github.com/ffutop/modbus-master/internal/local-slave"
	"github.com/ffutop/modbus-master/internal/local-slave/persistence"
	"github.com/ffutop/modbus-master/internal/logging"
	"github.com/ffutop/modbus-master/internal/master"
	"github.com/ffutop/modbus-master/internal/protocol"
	"github.com/ffutop/modbus-master/transport"
	"github.com/ffutop/modbus-master/transport/local"
)

var (
	defaultCoils     = []uint16{0, 1, 0, 0, 1, 0}
	defaultRegisters = []uint16{5, 10, 24, 13, 15, 1}
)

func main() {
	fs := pflag.NewFlagSet("modbus-master", pflag.ExitOnError)
	configFile := fs.StringP("config", "c", "", "Path to config file")
	fs.String("transport", config.TransportTCP, "Transport: tcp, rtu, rtuovertcp or local")
	fs.Int("server", protocol.MainServer, "Target unit address")
	fs.String("address", "127.0.0.1", "TCP address of the device")
	fs.Int("port", 502, "TCP port of the device")
	fs.String("device", "", "Serial device, e.g. /dev/ttyUSB0")
	fs.Int("baud_rate", 19200, "Serial baud rate")
	fs.Duration("timeout", time.Second, "Response timeout per attempt")
	fs.Int("retries", 3, "Retries after a failed attempt")
	fs.String("log_level", "info", "Log level: debug, info, warn, error")
	fs.String("log_file", "", "Log file, stdout when empty")
	start := fs.Uint16("start", 0, "First address")
	count := fs.Uint16("count", 10, "Number of values to read")
	fs.Parse(os.Args[1:])

	cfg, err := config.LoadConfig(*configFile, fs)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	closeLog := logging.Setup(cfg.Log)

	cmd := "read-holding"
	if fs.NArg() > 0 {
		cmd = fs.Arg(0)
	}
	values, err := parseValues(fs.Args())
	if err != nil {
		slog.Error("Invalid values", "err", err)
		closeLog()
		os.Exit(2)
	}

	m, cleanup, err := newMaster(cfg.Master)
	if err != nil {
		slog.Error("Failed to set up the master", "err", err)
		closeLog()
		os.Exit(1)
	}
	code := run(m, cfg.Master, cmd, *start, *count, values)
	m.Close()
	cleanup()
	closeLog()
	os.Exit(code)
}

func parseValues(args []string) ([]uint16, error) {
	if len(args) < 2 {
		return nil, nil
	}
	values := make([]uint16, 0, len(args)-1)
	for _, arg := range args[1:] {
		v, err := strconv.ParseUint(arg, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", arg, err)
		}
		values = append(values, uint16(v))
	}
	return values, nil
}

// newMaster builds the master for cfg. The cleanup function releases the
// in-process device of the local transport.
func newMaster(cfg config.MasterConfig) (*master.Master, func(), error) {
	cleanup := func() {}
	var opts []master.Option

	switch cfg.Transport {
	case config.TransportRTUOverTCP:
		opts = append(opts, master.WithRTUFraming())
	case config.TransportLocal:
		storage, model := persistence.Open(cfg.Local.Persistence, nil)
		slave := localslave.NewLocalSlave(model, storage,
			localslave.WithSlaveID(byte(cfg.ServerID)),
			localslave.WithLatency(cfg.Local.Latency),
		)
		opts = append(opts, master.WithTransportFactory(func() (transport.Transport, error) {
			return local.NewClient(slave), nil
		}))
		cleanup = func() {
			if err := storage.Save(slave.Model()); err != nil {
				slog.Error("Failed to save local device", "err", err)
			}
			storage.Close()
		}
	}

	m := master.New(cfg.Transport != config.TransportRTU, opts...)
	var err error
	switch cfg.Transport {
	case config.TransportRTU:
		err = m.ConfigureSerial(master.SerialParameters{
			Device:   cfg.Serial.Device,
			BaudRate: cfg.Serial.BaudRate,
			Parity:   cfg.Serial.Parity,
			DataBits: cfg.Serial.DataBits,
			StopBits: cfg.Serial.StopBits,
		})
	case config.TransportTCP, config.TransportRTUOverTCP:
		err = m.ConfigureNetwork(master.NetworkParameters{Address: cfg.Tcp.Address, Port: cfg.Tcp.Port})
	}
	if err == nil {
		err = m.SetClientPolicy(master.ClientPolicy{Timeout: cfg.Policy.Timeout, Retries: cfg.Policy.Retries})
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return m, cleanup, nil
}

func run(m *master.Master, cfg config.MasterConfig, cmd string, start, count uint16, values []uint16) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := protocol.NewWithServer(m, cfg.ServerID)
	if !waitConnected(ctx, m, cfg.Policy.Timeout+time.Second) {
		slog.Error("Device not connected", "transport", cfg.Transport, "state", m.State())
		return 1
	}

	var ok bool
	switch cmd {
	case "read-coils":
		if got := p.ReadCoils(ctx, start, count); got != nil {
			fmt.Println(got)
			ok = true
		}
	case "read-holding":
		if got := p.ReadHoldingRegisters(ctx, start, count); got != nil {
			fmt.Println(got)
			ok = true
		}
	case "write-coils":
		if values == nil {
			values = defaultCoils
		}
		ok = p.WriteCoils(start, values)
	case "write-holding":
		if values == nil {
			values = defaultRegisters
		}
		ok = p.WriteHoldingRegisters(start, values)
	default:
		slog.Error("Unknown command", "cmd", cmd)
		return 2
	}
	// Writes are acknowledged in the background; stay until they are.
	waitReleased(ctx, m)
	if !ok {
		return 1
	}
	return 0
}

func waitConnected(ctx context.Context, m *master.Master, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for m.State() != device.Connected {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func waitReleased(ctx context.Context, m *master.Master) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for m.Stats().Outstanding > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
