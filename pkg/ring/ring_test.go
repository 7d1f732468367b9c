// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingRetainsTailWithinCapacity(t *testing.T) {
	r := New(8)
	_, err := r.Write([]byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(r.Bytes()))
	assert.False(t, r.Truncated())
}

func TestRingEvictsOldestBytes(t *testing.T) {
	r := New(4)
	_, _ = r.Write([]byte("ab"))
	_, _ = r.Write([]byte("cdef"))
	assert.Equal(t, "cdef", string(r.Bytes()))
	assert.True(t, r.Truncated())
}

func TestRingSingleWriteLargerThanCapacity(t *testing.T) {
	r := New(3)
	_, _ = r.Write([]byte("abcdefgh"))
	assert.Equal(t, "fgh", string(r.Bytes()))
	assert.EqualValues(t, 8, r.TotalWritten())
}

func TestRingWrapsAcrossMultipleWrites(t *testing.T) {
	r := New(5)
	for _, chunk := range []string{"12", "34", "56", "78"} {
		_, _ = r.Write([]byte(chunk))
	}
	assert.Equal(t, "45678", string(r.Bytes()))
}
