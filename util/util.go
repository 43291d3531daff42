// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package util

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Unpacks a slice into arguments
// If the slice has less elements than variables passed in, the rest of the variables are not modified
// If the slice has more elements than the variables passed in, the additional elements are ignored
func Unpack[T any](toUnpack []T, unpackInto ...*T) {
	n := min(len(toUnpack), len(unpackInto))
	for i := 0; i < n; i++ {
		*unpackInto[i] = toUnpack[i]
	}
}

// Fields splits a console line into at most len(into) whitespace separated words.
// The last target receives the unsplit remainder of the line
func Fields(line string, into ...*string) {
	if len(into) == 0 {
		return
	}
	words := strings.Fields(line)
	if len(words) > len(into) {
		rest := strings.Join(words[len(into)-1:], " ")
		words = append(words[:len(into)-1], rest)
	}
	Unpack(words, into...)
}

// Assert reports a broken internal contract.
// Builds with the debug tag panic, everything else logs the violation and carries on
func Assert(cond bool, format string, args ...any) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if debugAsserts {
		panic("contract violation: " + msg)
	}
	logrus.WithField("component", "assert").Errorln("contract violation: " + msg)
}
