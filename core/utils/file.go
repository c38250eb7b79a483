// file.go - File helpers.
// Copyright (C) 2026  The Fieldrelay Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package utils provides small file system helpers.
package utils

import (
	"errors"
	"fmt"
	"os"
)

// Exists returns true iff f exists.  Errors other than "does not exist"
// are returned.
func Exists(f string) (bool, error) {
	_, err := os.Stat(f)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// CountExisting returns how many of the files exist.
func CountExisting(files ...string) (int, error) {
	n := 0
	for _, f := range files {
		ok, err := Exists(f)
		if err != nil {
			return 0, fmt.Errorf("utils: failed to stat %v: %w", f, err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// MkDataDir creates the directory d with owner only permissions if it does
// not exist, and rejects an existing directory that is group or world
// accessible.
func MkDataDir(d string) error {
	const dirMode = os.ModeDir | 0700

	fi, err := os.Lstat(d)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("utils: failed to stat() DataDir: %w", err)
		}
		if err = os.MkdirAll(d, dirMode); err != nil {
			return fmt.Errorf("utils: failed to create DataDir: %w", err)
		}
		return nil
	}
	if !fi.IsDir() {
		return fmt.Errorf("utils: DataDir '%v' is not a directory", d)
	}
	if fi.Mode().Perm()&0077 != 0 {
		return fmt.Errorf("utils: DataDir '%v' has invalid permissions '%v'", d, fi.Mode().Perm())
	}
	return nil
}
