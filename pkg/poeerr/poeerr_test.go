// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package poeerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapClassifiesWithErrorsIs(t *testing.T) {
	base := errors.New("disk full")
	err := Wrap(PackWrite, base)

	assert.True(t, errors.Is(err, PackWrite))
	assert.False(t, errors.Is(err, Setup))
	assert.True(t, errors.Is(err, base))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(Setup, nil))
}
