package scheduler

import "github.com/JakeFAU/adaptive-price-monitor/internal/crawler"

// entry is one heap slot. seq breaks score ties in insertion order.
type entry struct {
	item *crawler.QueueItem
	seq  uint64
}

// itemHeap is a max-heap on PriorityScore.
type itemHeap []entry

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.PriorityScore == h[j].item.PriorityScore {
		return h[i].seq < h[j].seq
	}
	return h[i].item.PriorityScore > h[j].item.PriorityScore
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = entry{}
	*h = old[:n-1]
	return e
}
