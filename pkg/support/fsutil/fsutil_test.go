// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os/user"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceTilde(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	got, err := ReplaceTilde("~/profiles/run.txt")
	require.NoError(t, err)
	assert.Equal(t, path.Join(usr.HomeDir, "profiles/run.txt"), got)

	got, err = ReplaceTilde("~")
	require.NoError(t, err)
	assert.Equal(t, path.Clean(usr.HomeDir), got)

	got, err = ReplaceTilde("/tmp/run.txt")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/run.txt", got)
}

func TestCreateNew(t *testing.T) {
	p := filepath.Join(t.TempDir(), "profile.txt")
	exists, err := FileExists(p)
	require.NoError(t, err)
	assert.False(t, exists)

	f, err := CreateNew(p, false)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = CreateNew(p, false)
	require.Error(t, err, "file already exists")
	f, err = CreateNew(p, true)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
