// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for the files written by the command-line tools.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ReplaceTilde replaces a leading "~" or "~user" by the corresponding home directory.
// Paths not starting with "~" are returned unchanged.
func ReplaceTilde(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	userName, rest, _ := strings.Cut(p[1:], "/")
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for path %q", p)
	}
	return path.Join(usr.HomeDir, rest), nil
}

// CreateNew creates the file p, after replacing a leading "~", failing if it already exists
// unless overwrite is set.
func CreateNew(p string, overwrite bool) (*os.File, error) {
	p, err := ReplaceTilde(p)
	if err != nil {
		return nil, err
	}
	if !overwrite {
		exists, err := FileExists(p)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, errors.Errorf("file %q already exists", p)
		}
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %q", p)
	}
	return f, nil
}
