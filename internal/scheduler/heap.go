package scheduler

import "container/heap"

// ticketHeap is a min-heap of waiting-room tickets ordered by deadline. It
// implements container/heap.Interface; the Scheduler only ever calls the
// Push/Pop/Peek/Len wrapper methods below, never container/heap directly.
type ticketHeap []ticket

func (h ticketHeap) Len() int           { return len(h) }
func (h ticketHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h ticketHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *ticketHeap) heapPush(x interface{}) { *h = append(*h, x.(ticket)) }
func (h *ticketHeap) heapPop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// rawHeap adapts ticketHeap to container/heap.Interface without polluting
// ticketHeap's own method set with the generic Push(any)/Pop() any pair.
type rawHeap struct{ *ticketHeap }

func (r rawHeap) Push(x interface{}) { r.heapPush(x) }
func (r rawHeap) Pop() interface{}   { return r.heapPop() }

// Push adds t to the heap, maintaining the min-heap invariant.
func (h *ticketHeap) Push(t ticket) {
	heap.Push(rawHeap{h}, t)
}

// Pop removes and returns the ticket with the earliest deadline.
func (h *ticketHeap) Pop() ticket {
	return heap.Pop(rawHeap{h}).(ticket)
}

// Peek returns the ticket with the earliest deadline without removing it.
func (h *ticketHeap) Peek() ticket {
	return (*h)[0]
}
