// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package log

// Component returns a logger pre-tagged with a "component" field, used by
// the root efs package, blockio and metadata so that log lines can be filtered by the subsystem that emitted them
// without each call site repeating the field name.
func Component(name string) Logger {
	return Field("component", name)
}

// Errorf attaches err and a formatted message in one call, mirroring the
// Logger.Error/Messagef pair used throughout this module's operations.
func Errorf(err error, format string, v ...any) {
	Error(err).Messagef(format, v...)
}
