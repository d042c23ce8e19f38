// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadConfig("", nil)
	if err != nil {
		t.Fatal(err)
	}
	m := cfg.Master
	if m.Transport != TransportTCP || m.ServerID != 8 {
		t.Errorf("transport, server = %q, %d", m.Transport, m.ServerID)
	}
	if m.Tcp.Endpoint() != "127.0.0.1:502" {
		t.Errorf("endpoint = %s", m.Tcp.Endpoint())
	}
	s := m.Serial
	if s.BaudRate != 19200 || s.Parity != "E" || s.DataBits != 8 || s.StopBits != 1 {
		t.Errorf("serial = %+v", s)
	}
	if m.Policy.Timeout != time.Second || m.Policy.Retries != 3 {
		t.Errorf("policy = %+v", m.Policy)
	}
	if cfg.Log.Level != "info" || cfg.Simulator.Backend != "local" {
		t.Errorf("log level %q, backend %q", cfg.Log.Level, cfg.Simulator.Backend)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
master:
  transport: RTU
  serial:
    device: /dev/ttyUSB0
    parity: n
  policy:
    timeout: 250ms
    retries: 0
simulator:
  listen: rtuovertcp
  latency: 20ms
  faults:
    - table: holding-registers
      start: 100
      count: 10
      code: 2
    - table: coils
      count: 1
      code: 0
log:
  level: debug
`)
	cfg, err := LoadConfig(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Master.Transport != TransportRTU || cfg.Master.Serial.Device != "/dev/ttyUSB0" {
		t.Errorf("master = %+v", cfg.Master)
	}
	if cfg.Master.Serial.Parity != "N" || cfg.Master.Serial.Timeout != 500*time.Millisecond {
		t.Errorf("serial = %+v", cfg.Master.Serial)
	}
	if cfg.Master.Policy.Timeout != 250*time.Millisecond || cfg.Master.Policy.Retries != 0 {
		t.Errorf("policy = %+v", cfg.Master.Policy)
	}
	sim := cfg.Simulator
	if sim.Listen != TransportRTUOverTCP || sim.Latency != 20*time.Millisecond || len(sim.Faults) != 2 {
		t.Errorf("simulator = %+v", sim)
	}
	if sim.Faults[0].Code != 2 || sim.Faults[1].Code != 0 {
		t.Errorf("faults = %+v", sim.Faults)
	}
}

func TestLoadConfig_Flags(t *testing.T) {
	path := writeConfig(t, "master:\n  server_id: 3\n  tcp:\n    port: 1502\n")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("server", 8, "")
	fs.Int("port", 502, "")
	fs.String("log_level", "info", "")
	if err := fs.Parse([]string{"--server", "17", "--log_level", "warn"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Master.ServerID != 17 {
		t.Errorf("server id = %d, the flag should win", cfg.Master.ServerID)
	}
	if cfg.Master.Tcp.Port != 1502 {
		t.Errorf("port = %d, the file should win over an unset flag", cfg.Master.Tcp.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"transport": "master:\n  transport: udp\n",
		"server":    "master:\n  server_id: 248\n",
		"retries":   "master:\n  policy:\n    retries: -1\n",
		"timeout":   "master:\n  policy:\n    timeout: 0s\n",
		"fault":     "simulator:\n  faults:\n    - table: coils\n      count: 1\n      code: 256\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, content), nil); err == nil {
				t.Errorf("LoadConfig() accepted %q", strings.TrimSpace(content))
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("LoadConfig() of an explicit missing file should fail")
	}
}
