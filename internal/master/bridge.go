// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package master

import (
	"context"

	"github.com/ffutop/modbus-master/internal/device"
)

// await blocks the calling goroutine until r finishes and reports whether
// it did. If ctx ends first the reply is left to an observer, which
// releases it once it finishes.
func await(ctx context.Context, r *device.Reply) bool {
	if r.IsFinished() {
		return true
	}
	select {
	case <-r.Done():
		return true
	case <-ctx.Done():
		observe(r, nil)
		return false
	}
}

// observe runs onFinished once r is finished and then releases r. A reply
// that is already finished is handled before observe returns.
func observe(r *device.Reply, onFinished func(*device.Reply)) {
	if r.IsFinished() {
		settle(r, onFinished)
		return
	}
	go func() {
		<-r.Done()
		settle(r, onFinished)
	}()
}

func settle(r *device.Reply, onFinished func(*device.Reply)) {
	if onFinished != nil {
		onFinished(r)
	}
	r.Release()
}
