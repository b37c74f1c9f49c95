// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package efs

import (
	"sync/atomic"

	"github.com/vaultfs/efs/log"
)

type atomicBool int32

func (b *atomicBool) isSet() bool { return atomic.LoadInt32((*int32)(b)) != 0 }
func (b *atomicBool) setTrue()    { atomic.StoreInt32((*int32)(b), 1) }
func (b *atomicBool) setFalse()   { atomic.StoreInt32((*int32)(b), 0) }

// -----------------------------------------------------------------------------

var devMode atomicBool

// InDevMode returns the development mode flag status. When enabled, handle
// construction logs its effective options in addition to the per-operation
// debug lines the package always emits.
func InDevMode() bool {
	return devMode.isSet()
}

// SetDevMode enables the local development mode in this package and returns a
// function to revert the configuration.
//
// Calling this method multiple times once the flag is enabled produces no effect.
func SetDevMode() (revert func()) {
	// Prevent multiple calls to indirectly disable the flag
	if devMode.isSet() {
		return func() {}
	}

	devMode.setTrue()
	log.Level(log.DebugLevel).Message("EFS: Development mode enabled")

	return func() {
		devMode.setFalse()
		log.Level(log.DebugLevel).Message("EFS: Development mode disabled")
	}
}
