// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package symbols

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jaso1024/poe/pkg/procfs"
)

func TestResolveTranslatesAddressWithinOwnBinary(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF/procfs only available on linux")
	}

	exe, err := os.Executable()
	require.NoError(t, err)

	reader, err := procfs.NewReader()
	require.NoError(t, err)
	maps, err := reader.Maps(os.Getpid())
	require.NoError(t, err)
	require.NotEmpty(t, maps)

	var exec procfs.MapEntry
	for _, m := range maps {
		if m.Pathname == exe && m.Perms != "" && m.Perms[2] == 'x' {
			exec = m
			break
		}
	}
	if exec.Pathname == "" {
		t.Skip("could not find an executable mapping for the test binary")
	}

	r, err := NewResolver("")
	require.NoError(t, err)
	defer r.Close()

	// Any address comfortably inside the executable segment should
	// resolve to the module, even if no symtab entry covers it exactly.
	addr := exec.StartAddr + 0x10
	resolved, ok := r.Resolve(maps, addr)
	assert.True(t, ok)
	assert.Equal(t, exe, resolved.Module)
}

func TestResolveMissesOutsideAnyMapping(t *testing.T) {
	r, err := NewResolver("")
	require.NoError(t, err)
	defer r.Close()

	_, ok := r.Resolve(nil, 0xdeadbeef)
	assert.False(t, ok)
}

func TestOnDiskCacheRoundTrips(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "symbols.db")

	r1, err := NewResolver(cachePath)
	require.NoError(t, err)
	r1.storeToDisk("deadbeef", []Symbol{{Name: "main.main", Addr: 0x1000, Size: 0x20}})
	require.NoError(t, r1.Close())

	r2, err := NewResolver(cachePath)
	require.NoError(t, err)
	defer r2.Close()

	syms, ok := r2.loadFromDisk("deadbeef")
	require.True(t, ok)
	assert.Equal(t, "main.main", syms[0].Name)
}
