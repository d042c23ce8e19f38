// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ffutop/modbus-master/internal/config"
	"github.com/ffutop/modbus-master/modbus"
	rtuframe "github.com/ffutop/modbus-master/modbus/rtu"
	"github.com/ffutop/modbus-master/transport"
)

// Client is a Modbus RTU master on a serial line.
type Client struct {
	serialPort
}

// NewClient allocates and initializes a RTU Client.
func NewClient(cfg config.SerialConfig) *Client {
	client := &Client{}
	client.Config = serialConfig(cfg)
	client.IdleTimeout = serialIdleTimeout
	return client
}

// Send sends a PDU to a slave and returns the response PDU.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	adu := &ApplicationDataUnit{
		SlaveID: slaveID,
		Pdu:     pdu,
	}
	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	respBytes, err := mb.exchange(ctx, aduBytes, true)
	if err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	respAdu, err := Decode(respBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to decode response ADU: %w", err)
	}
	if err := adu.Verify(respAdu); err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
	}
	return respAdu.Pdu, nil
}

// SendOnly writes the request and waits for the bus turnaround, without
// reading a response.
func (mb *Client) SendOnly(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) error {
	adu := &ApplicationDataUnit{
		SlaveID: slaveID,
		Pdu:     pdu,
	}
	aduBytes, err := adu.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode ADU: %w", err)
	}
	_, err = mb.exchange(ctx, aduBytes, false)
	return err
}

func (mb *Client) exchange(ctx context.Context, aduRequest []byte, wantResponse bool) (aduResponse []byte, err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err = mb.connect(ctx); err != nil {
		return
	}
	mb.lastActivity = time.Now()
	mb.startCloseTimer()

	mb.logger().Debug("send to modbus slave", "request", hex.EncodeToString(aduRequest))
	if _, err = mb.port.Write(aduRequest); err != nil {
		mb.close()
		return nil, fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}

	bytesToRead := 0
	if wantResponse {
		bytesToRead = rtuframe.CalculateResponseLength(aduRequest)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(mb.calculateDelay(len(aduRequest) + bytesToRead)):
	}
	if !wantResponse {
		return nil, nil
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(mb.Config.Timeout)
	}
	data, err := rtuframe.ReadResponse(aduRequest[0], aduRequest[1], mb.port, deadline)
	if err != nil {
		if !time.Now().Before(deadline) || err == rtuframe.ErrRequestTimedOut {
			return nil, fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, err
	}
	mb.logger().Debug("recv from modbus slave", "response", hex.EncodeToString(data))
	aduResponse = data
	return
}

// calculateDelay calculates the needed delay to separate frames.
func (mb *Client) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int

	if mb.BaudRate <= 0 || mb.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / mb.BaudRate
		frameDelay = 35000000 / mb.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}
