// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package kms

import (
	"fmt"

	"launchpad.net/gommap"
)

func mapDumb(fd uintptr, offset, size uint64) ([]byte, error) {
	mm, err := gommap.MapAt(0, fd, int64(offset), int64(size), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap dumb buffer: %w", err)
	}
	clear(mm)
	return mm, nil
}

func unmapDumb(pix []byte) error {
	return gommap.MMap(pix).UnsafeUnmap()
}
