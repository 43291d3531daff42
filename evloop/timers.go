// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package evloop

import "time"

type delayedTask struct {
	target time.Time
	seq    uint64 // Keeps tasks with equal targets in posting order
	task   func()
}

// timerHeap orders delayed tasks by target time, implements container/heap
type timerHeap []delayedTask

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].target.Equal(h[j].target) {
		return h[i].seq < h[j].seq
	}
	return h[i].target.Before(h[j].target)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(delayedTask)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = delayedTask{}
	*h = old[:n-1]
	return t
}
