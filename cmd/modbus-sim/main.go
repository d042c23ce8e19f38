// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command modbus-sim serves a simulated Modbus device for modbus-master to
// talk to.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/internal/logging"
	"github.com/ffutop/modbus-master/internal/simulator"
)

func main() {
	fs := pflag.NewFlagSet("modbus-sim", pflag.ExitOnError)
	configFile := fs.StringP("config", "c", "", "Path to config file")
	fs.String("log_level", "info", "Log level: debug, info, warn, error")
	fs.String("log_file", "", "Log file, stdout when empty")
	fs.Parse(os.Args[1:])

	cfg, err := config.LoadConfig(*configFile, fs)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	closeLog := logging.Setup(cfg.Log)
	defer closeLog()

	slog.Info("Starting Modbus simulator...")

	sim, err := simulator.New(cfg.Simulator, slog.Default())
	if err != nil {
		slog.Error("Failed to create simulator", "err", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sim.Run(ctx); err != nil {
		slog.Error("Simulator stopped with error", "err", err)
		return
	}
	slog.Info("Goodbye.")
}
