// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import "encoding/binary"

// PackBits packs 0/1 values LSB first, any non-zero value counts as ON.
func PackBits(values []uint16) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v != 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// UnpackBits expands count bits from data into 0/1 values.
func UnpackBits(data []byte, count int) []uint16 {
	out := make([]uint16, count)
	for i := 0; i < count && i/8 < len(data); i++ {
		out[i] = uint16(data[i/8]>>uint(i%8)) & 1
	}
	return out
}

// PackRegisters encodes registers big endian.
func PackRegisters(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// UnpackRegisters decodes big endian registers; a trailing odd byte is dropped.
func UnpackRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out
}
