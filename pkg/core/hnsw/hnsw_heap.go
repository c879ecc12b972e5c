// Package hnsw provides the implementation of the Hierarchical Navigable Small World
// graph algorithm for efficient approximate nearest neighbor search.
//
// This file defines the min-heap and max-heap used during graph traversal and
// construction. They use value semantics over types.Candidate to avoid the
// allocation and boxing cost of container/heap in the search hot loop, and
// break distance ties on InternalID so that equal-distance results come out
// in insertion order.
package hnsw

import "github.com/quillvec/quillvec/pkg/core/types"

// minHeap keeps the candidate with the smallest distance at the top. It holds
// the frontier of nodes still to be explored, so the search always expands
// the most promising candidate next.
type minHeap []types.Candidate

// minLess reports whether a has strictly higher priority than b in a min-heap.
// Equal distances fall back to the smaller internal ID, which is assigned in
// insertion order.
func minLess(a, b types.Candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Id < b.Id
}

func (h *minHeap) Len() int { return len(*h) }

func (h *minHeap) Peek() types.Candidate { return (*h)[0] }

func (h *minHeap) Push(c types.Candidate) {
	*h = append(*h, c)
	i := len(*h) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !minLess((*h)[i], (*h)[parent]) {
			break
		}
		(*h)[i], (*h)[parent] = (*h)[parent], (*h)[i]
		i = parent
	}
}

func (h *minHeap) Pop() types.Candidate {
	s := *h
	top := s[0]
	n := len(s) - 1
	s[0] = s[n]
	*h = s[:n]
	h.siftDown(0)
	return top
}

func (h *minHeap) siftDown(i int) {
	s := *h
	n := len(s)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		best := left
		if right := left + 1; right < n && minLess(s[right], s[left]) {
			best = right
		}
		if !minLess(s[best], s[i]) {
			return
		}
		s[i], s[best] = s[best], s[i]
		i = best
	}
}

// maxHeap keeps the candidate with the largest distance at the top. It holds
// the best results found so far; the root is the "worst of the best", making
// it cheap to evict when a closer neighbor is discovered.
type maxHeap []types.Candidate

// maxLess reports whether a has strictly higher priority than b in a max-heap.
// The larger internal ID wins distance ties so that reverse extraction yields
// insertion order.
func maxLess(a, b types.Candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.Id > b.Id
}

func (h *maxHeap) Len() int { return len(*h) }

func (h *maxHeap) Peek() types.Candidate { return (*h)[0] }

func (h *maxHeap) Push(c types.Candidate) {
	*h = append(*h, c)
	i := len(*h) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if !maxLess((*h)[i], (*h)[parent]) {
			break
		}
		(*h)[i], (*h)[parent] = (*h)[parent], (*h)[i]
		i = parent
	}
}

func (h *maxHeap) Pop() types.Candidate {
	s := *h
	top := s[0]
	n := len(s) - 1
	s[0] = s[n]
	*h = s[:n]
	h.siftDown(0)
	return top
}

func (h *maxHeap) siftDown(i int) {
	s := *h
	n := len(s)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		best := left
		if right := left + 1; right < n && maxLess(s[right], s[left]) {
			best = right
		}
		if !maxLess(s[best], s[i]) {
			return
		}
		s[i], s[best] = s[best], s[i]
		i = best
	}
}

// newMinHeap creates a min-heap with a pre-allocated capacity.
func newMinHeap(capacity int) *minHeap {
	h := make(minHeap, 0, capacity)
	return &h
}

// newMaxHeap creates a max-heap with a pre-allocated capacity.
func newMaxHeap(capacity int) *maxHeap {
	h := make(maxHeap, 0, capacity)
	return &h
}
