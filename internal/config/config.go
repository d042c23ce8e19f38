// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Transport kinds understood by the master.
const (
	TransportTCP        = "tcp"
	TransportRTU        = "rtu"
	TransportRTUOverTCP = "rtuovertcp"
	TransportLocal      = "local"
)

// Config defines the global configuration structure
type Config struct {
	Master    MasterConfig    `mapstructure:"master"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Log       LogConfig       `mapstructure:"log"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// MasterConfig defines the client side adapter
type MasterConfig struct {
	Transport string       `mapstructure:"transport"` // "tcp", "rtu", "rtuovertcp", "local"
	ServerID  int          `mapstructure:"server_id"` // Target unit address
	Tcp       TcpConfig    `mapstructure:"tcp"`       // Used if Transport is "tcp" or "rtuovertcp"
	Serial    SerialConfig `mapstructure:"serial"`    // Used if Transport is "rtu"
	Local     LocalConfig  `mapstructure:"local"`     // Used if Transport is "local"
	Policy    PolicyConfig `mapstructure:"policy"`
}

// PolicyConfig defines per request timeout and retry count
type PolicyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// SimulatorConfig defines the simulated remote device
type SimulatorConfig struct {
	Backend     string            `mapstructure:"backend"` // "local", "mbserver"
	Listen      string            `mapstructure:"listen"`  // "tcp", "rtu", "rtuovertcp"
	SlaveID     int               `mapstructure:"slave_id"`
	Tcp         TcpConfig         `mapstructure:"tcp"`
	Serial      SerialConfig      `mapstructure:"serial"`
	Seed        string            `mapstructure:"seed"` // YAML register seed file
	Latency     time.Duration     `mapstructure:"latency"`
	Faults      []FaultConfig     `mapstructure:"faults"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// FaultConfig answers requests touching [Start, Start+Count) of Table
// with exception Code. Code 0 leaves them unanswered.
type FaultConfig struct {
	Table string `mapstructure:"table"` // coils, discrete-inputs, input-registers, holding-registers
	Start int    `mapstructure:"start"`
	Count int    `mapstructure:"count"`
	Code  int    `mapstructure:"code"`
}

// LocalConfig defines settings for the in-process simulated device
type LocalConfig struct {
	Latency     time.Duration     `mapstructure:"latency"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

// PersistenceConfig defines data storage settings
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory", "file", "mmap", "sqlite3"
	Path string `mapstructure:"path"` // File path or DSN
}

// TcpConfig defines TCP settings
type TcpConfig struct {
	Address string `mapstructure:"address"` // e.g. "127.0.0.1"
	Port    int    `mapstructure:"port"`
}

// Endpoint joins address and port.
func (c TcpConfig) Endpoint() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// SerialConfig defines RTU settings
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"transport": "master.transport",
	"server":    "master.server_id",
	"address":   "master.tcp.address",
	"port":      "master.tcp.port",
	"device":    "master.serial.device",
	"baud_rate": "master.serial.baud_rate",
	"timeout":   "master.policy.timeout",
	"retries":   "master.policy.retries",
	"log_level": "log.level",
	"log_file":  "log.file",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("master.transport", TransportTCP)
	v.SetDefault("master.server_id", 8)
	v.SetDefault("master.tcp.address", "127.0.0.1")
	v.SetDefault("master.tcp.port", 502)
	v.SetDefault("master.serial.baud_rate", 19200)
	v.SetDefault("master.serial.data_bits", 8)
	v.SetDefault("master.serial.parity", "E")
	v.SetDefault("master.serial.stop_bits", 1)
	v.SetDefault("master.policy.timeout", 1000*time.Millisecond)
	v.SetDefault("master.policy.retries", 3)
	v.SetDefault("master.local.persistence.type", "memory")

	v.SetDefault("simulator.backend", "local")
	v.SetDefault("simulator.listen", TransportTCP)
	v.SetDefault("simulator.slave_id", 8)
	v.SetDefault("simulator.tcp.address", "0.0.0.0")
	v.SetDefault("simulator.tcp.port", 502)
	v.SetDefault("simulator.serial.baud_rate", 19200)
	v.SetDefault("simulator.serial.data_bits", 8)
	v.SetDefault("simulator.serial.parity", "E")
	v.SetDefault("simulator.serial.stop_bits", 1)
	v.SetDefault("simulator.persistence.type", "memory")
}

// LoadConfig loads configuration from configFile (searched in the usual
// places when empty). A missing file is not an error; every key has a
// default. Flags present in fs override file values.
func LoadConfig(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-master/")
		v.AddConfigPath("$HOME/.modbus-master")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	fixupSerial(&config.Master.Serial)
	fixupSerial(&config.Simulator.Serial)
	config.Master.Transport = strings.ToLower(config.Master.Transport)
	config.Simulator.Listen = strings.ToLower(config.Simulator.Listen)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate reports settings no component can work with.
func (c *Config) Validate() error {
	switch c.Master.Transport {
	case TransportTCP, TransportRTU, TransportRTUOverTCP, TransportLocal:
	default:
		return fmt.Errorf("unknown master transport %q", c.Master.Transport)
	}
	if c.Master.ServerID < 0 || c.Master.ServerID > 247 {
		return fmt.Errorf("server id %d out of range [0, 247]", c.Master.ServerID)
	}
	if c.Master.Policy.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Master.Policy.Timeout)
	}
	if c.Master.Policy.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Master.Policy.Retries)
	}
	for i, f := range c.Simulator.Faults {
		if f.Code < 0 || f.Code > 0xFF {
			return fmt.Errorf("fault %d: exception code %d out of range", i, f.Code)
		}
	}
	return nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}
