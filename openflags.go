// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package efs

import (
	"fmt"

	"github.com/vaultfs/efs/efserrors"
)

// POSIX numeric open flags accepted alternatively to the flag strings.
const (
	O_RDONLY = 0x0
	O_WRONLY = 0x1
	O_RDWR   = 0x2
	O_CREAT  = 0x40
	O_EXCL   = 0x80
	O_TRUNC  = 0x200
	O_APPEND = 0x400

	accModeMask = 0x3
)

// openMode is the normalized form of an open-flag string or numeric flag
// set. The str field is what the fd table records.
type openMode struct {
	str    string
	read   bool
	write  bool
	create bool
	excl   bool
	trunc  bool
	append bool
}

// parseFlags normalizes a flag string ("r", "r+", "w", "w+", "a", "a+",
// "wx", "wx+") into an openMode.
func parseFlags(flags string) (openMode, error) {
	m := openMode{str: flags}
	switch flags {
	case "r":
		m.read = true
	case "r+":
		m.read, m.write = true, true
	case "w":
		m.write, m.create, m.trunc = true, true, true
	case "w+":
		m.read, m.write, m.create, m.trunc = true, true, true, true
	case "wx", "xw":
		m.write, m.create, m.trunc, m.excl = true, true, true, true
	case "wx+", "xw+":
		m.read, m.write, m.create, m.trunc, m.excl = true, true, true, true, true
	case "a":
		m.write, m.create, m.append = true, true, true
	case "a+":
		m.read, m.write, m.create, m.append = true, true, true, true
	default:
		return openMode{}, efserrors.Argument("open", fmt.Errorf("unknown flag string %q", flags))
	}
	return m, nil
}

// parseNumericFlags normalizes a POSIX numeric flag set into an openMode,
// synthesizing the equivalent flag string for the fd table record.
func parseNumericFlags(flags int) (openMode, error) {
	m := openMode{
		create: flags&O_CREAT != 0,
		excl:   flags&O_EXCL != 0,
		trunc:  flags&O_TRUNC != 0,
		append: flags&O_APPEND != 0,
	}
	switch flags & accModeMask {
	case O_RDONLY:
		m.read = true
	case O_WRONLY:
		m.write = true
	case O_RDWR:
		m.read, m.write = true, true
	default:
		return openMode{}, efserrors.Argument("open", fmt.Errorf("invalid access mode in flags %#x", flags))
	}
	if m.append && !m.write {
		return openMode{}, efserrors.Argument("open", fmt.Errorf("append requires write access, got flags %#x", flags))
	}
	m.str = m.label()
	return m, nil
}

// label synthesizes the closest flag string for an openMode, used when the
// caller supplied numeric flags.
func (m openMode) label() string {
	switch {
	case m.append && m.read:
		return "a+"
	case m.append:
		return "a"
	case m.excl && m.read:
		return "wx+"
	case m.excl:
		return "wx"
	case m.trunc && m.read:
		return "w+"
	case m.trunc:
		return "w"
	case m.read && m.write:
		return "r+"
	case m.write:
		return "w"
	default:
		return "r"
	}
}
