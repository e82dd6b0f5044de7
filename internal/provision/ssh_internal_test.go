// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package provision

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkString(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		size   int
		expect []string
	}{
		{
			name:   "shorter than size",
			input:  "abc",
			size:   5,
			expect: []string{"abc"},
		},
		{
			name:   "exact multiple",
			input:  "abcdef",
			size:   3,
			expect: []string{"abc", "def"},
		},
		{
			name:   "remainder",
			input:  "abcdefg",
			size:   3,
			expect: []string{"abc", "def", "g"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, chunkString(tt.input, tt.size))
		})
	}
}

func TestChunkStringReassembles(t *testing.T) {
	key := strings.Repeat("AAAAB3NzaC1yc2E", 40)

	chunks := chunkString(key, sshKeyChunkSize)

	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), sshKeyChunkSize)
	}

	assert.Equal(t, key, strings.Join(chunks, ""))
}
