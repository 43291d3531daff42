// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wrappers

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestClosedWrappersFail(t *testing.T) {
	var out bytes.Buffer
	w := NewWriterWrapper(&out)
	if _, err := w.Write([]byte("a")); err != nil {
		t.Fatal(err)
	}
	w.Close()
	if _, err := w.Write([]byte("b")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after close: %v", err)
	}
	if out.String() != "a" {
		t.Errorf("Unexpected output %q", out.String())
	}

	r := NewReaderWrapper(strings.NewReader("data"))
	r.Close()
	if _, err := r.Read(make([]byte, 4)); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after close: %v", err)
	}
}
