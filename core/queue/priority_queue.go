// priority_queue.go - Stable min-heap priority queue.
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

// Package queue implements a stable priority queue.
//
// Entries with a lower Priority are dequeued first, and entries that share a
// Priority are dequeued in insertion order.  The queue is not safe for
// concurrent use; it is expected to have a single owner.
package queue

import "container/heap"

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64

	// Seq is the insertion sequence number, used to break ties.
	Seq uint64
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *entryHeap) Push(x interface{}) {
	*h = append(*h, x.(*Entry))
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// PriorityQueue is a priority queue instance.
type PriorityQueue struct {
	heap    entryHeap
	nextSeq uint64
}

// Enqueue inserts the provided value into the queue with the specified
// priority, and returns the new entry.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) *Entry {
	ent := &Entry{
		Value:    value,
		Priority: priority,
		Seq:      q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.heap, ent)
	return ent
}

// Dequeue removes and returns the lowest priority entry, or nil iff the
// queue is empty.
func (q *PriorityQueue) Dequeue() *Entry {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Entry)
}

// Peek returns the lowest priority entry if any, leaving the queue
// unaltered.  Callers MUST NOT alter the Priority of the returned entry.
func (q *PriorityQueue) Peek() *Entry {
	if q.Len() == 0 {
		return nil
	}
	return q.heap[0]
}

// Drain removes every entry, returning them in dequeue order.
func (q *PriorityQueue) Drain() []*Entry {
	out := make([]*Entry, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, q.Dequeue())
	}
	return out
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// New creates a new PriorityQueue.
func New() *PriorityQueue {
	return &PriorityQueue{
		heap: make(entryHeap, 0),
	}
}
