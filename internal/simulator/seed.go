// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"fmt"
	"os"

	"github.com/tbrandon/mbserver"
	"gopkg.in/yaml.v3"

	"github.com/ffutop/modbus-master/internal/local-slave/model"
)

// Block is a run of values starting at Start.
type Block struct {
	Start  uint16   `yaml:"start"`
	Values []uint16 `yaml:"values"`
}

// Seed is the initial register content of the simulated device.
//
//	holding_registers:
//	  - start: 0
//	    values: [5, 10, 24, 13, 15, 1]
type Seed struct {
	Coils            []Block `yaml:"coils"`
	DiscreteInputs   []Block `yaml:"discrete_inputs"`
	HoldingRegisters []Block `yaml:"holding_registers"`
	InputRegisters   []Block `yaml:"input_registers"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &seed, nil
}

func (s *Seed) tables() map[model.TableType][]Block {
	return map[model.TableType][]Block{
		model.TableCoils:            s.Coils,
		model.TableDiscreteInputs:   s.DiscreteInputs,
		model.TableHoldingRegisters: s.HoldingRegisters,
		model.TableInputRegisters:   s.InputRegisters,
	}
}

// Apply writes the seed into m.
func (s *Seed) Apply(m *model.DataModel) error {
	for table, blocks := range s.tables() {
		for _, b := range blocks {
			if err := m.Set(table, b.Start, b.Values); err != nil {
				return fmt.Errorf("seed %v at %d: %w", table, b.Start, err)
			}
		}
	}
	return nil
}

// applyServer writes the seed into the tables of an mbserver.
func (s *Seed) applyServer(srv *mbserver.Server) error {
	for table, blocks := range s.tables() {
		for _, b := range blocks {
			if int(b.Start)+len(b.Values) > model.MaxAddress+1 {
				return fmt.Errorf("seed %v at %d: %w", table, b.Start, model.ErrOutOfRange)
			}
			for i, v := range b.Values {
				addr := int(b.Start) + i
				switch table {
				case model.TableCoils:
					srv.Coils[addr] = bit(v)
				case model.TableDiscreteInputs:
					srv.DiscreteInputs[addr] = bit(v)
				case model.TableHoldingRegisters:
					srv.HoldingRegisters[addr] = v
				case model.TableInputRegisters:
					srv.InputRegisters[addr] = v
				}
			}
		}
	}
	return nil
}

func bit(v uint16) byte {
	if v != 0 {
		return 1
	}
	return 0
}
