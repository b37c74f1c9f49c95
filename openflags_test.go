// SPDX-FileCopyrightText: 2023-present Datadog, Inc.
// SPDX-License-Identifier: Apache-2.0

package efs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		flags string
		want  openMode
	}{
		{flags: "r", want: openMode{str: "r", read: true}},
		{flags: "r+", want: openMode{str: "r+", read: true, write: true}},
		{flags: "w", want: openMode{str: "w", write: true, create: true, trunc: true}},
		{flags: "w+", want: openMode{str: "w+", read: true, write: true, create: true, trunc: true}},
		{flags: "wx", want: openMode{str: "wx", write: true, create: true, trunc: true, excl: true}},
		{flags: "wx+", want: openMode{str: "wx+", read: true, write: true, create: true, trunc: true, excl: true}},
		{flags: "a", want: openMode{str: "a", write: true, create: true, append: true}},
		{flags: "a+", want: openMode{str: "a+", read: true, write: true, create: true, append: true}},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.flags, func(t *testing.T) {
			t.Parallel()

			got, err := parseFlags(tc.flags)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []string{"", "rw", "x", "w++", "R"} {
		_, err := parseFlags(bad)
		require.Error(t, err, "flags %q", bad)
	}
}

func TestParseNumericFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		flags int
		want  openMode
	}{
		{name: "rdonly", flags: O_RDONLY, want: openMode{str: "r", read: true}},
		{name: "rdwr", flags: O_RDWR, want: openMode{str: "r+", read: true, write: true}},
		{
			name:  "write create trunc",
			flags: O_WRONLY | O_CREAT | O_TRUNC,
			want:  openMode{str: "w", write: true, create: true, trunc: true},
		},
		{
			name:  "rdwr create trunc",
			flags: O_RDWR | O_CREAT | O_TRUNC,
			want:  openMode{str: "w+", read: true, write: true, create: true, trunc: true},
		},
		{
			name:  "exclusive create",
			flags: O_WRONLY | O_CREAT | O_EXCL | O_TRUNC,
			want:  openMode{str: "wx", write: true, create: true, trunc: true, excl: true},
		},
		{
			name:  "append",
			flags: O_WRONLY | O_CREAT | O_APPEND,
			want:  openMode{str: "a", write: true, create: true, append: true},
		},
		{
			name:  "append rdwr",
			flags: O_RDWR | O_CREAT | O_APPEND,
			want:  openMode{str: "a+", read: true, write: true, create: true, append: true},
		},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseNumericFlags(tc.flags)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	t.Run("invalid access mode", func(t *testing.T) {
		t.Parallel()

		_, err := parseNumericFlags(0x3)
		require.Error(t, err)
	})

	t.Run("read-only append", func(t *testing.T) {
		t.Parallel()

		_, err := parseNumericFlags(O_RDONLY | O_APPEND)
		require.Error(t, err)
	})
}
