package scheduler

import (
	"container/heap"
	"sync"

	"github.com/dlmm-labs/rebalancer/internal/types"
)

// EcoQueue is a bounded priority queue of rebalance proposals keyed by
// position address. Each position holds at most one outstanding proposal:
// offering a higher priority replaces the old entry, a lower one is ignored.
type EcoQueue struct {
	mu       sync.Mutex
	capacity int
	byPos    map[string]*ecoItem
	heap     ecoHeap
}

type ecoItem struct {
	proposal types.RebalanceProposal
	index    int
}

// NewEcoQueue constructs the queue. capacity <= 0 means unbounded.
func NewEcoQueue(capacity int) *EcoQueue {
	return &EcoQueue{
		capacity: capacity,
		byPos:    make(map[string]*ecoItem),
	}
}

// Offer admits, replaces, or drops the proposal. Returns true when the queue
// retained it.
func (q *EcoQueue) Offer(p types.RebalanceProposal) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byPos[p.PositionAddress]; ok {
		if p.Priority <= existing.proposal.Priority {
			return false
		}
		existing.proposal = p
		heap.Fix(&q.heap, existing.index)
		return true
	}

	if q.capacity > 0 && len(q.byPos) >= q.capacity {
		lowest := q.heap.lowest()
		if lowest == nil || p.Priority <= lowest.proposal.Priority {
			return false
		}
		heap.Remove(&q.heap, lowest.index)
		delete(q.byPos, lowest.proposal.PositionAddress)
	}

	item := &ecoItem{proposal: p}
	q.byPos[p.PositionAddress] = item
	heap.Push(&q.heap, item)
	return true
}

// PopTop removes and returns up to n proposals in descending priority order.
func (q *EcoQueue) PopTop(n int) []types.RebalanceProposal {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > q.heap.Len() {
		n = q.heap.Len()
	}
	out := make([]types.RebalanceProposal, 0, n)
	for i := 0; i < n; i++ {
		item := heap.Pop(&q.heap).(*ecoItem)
		delete(q.byPos, item.proposal.PositionAddress)
		out = append(out, item.proposal)
	}
	return out
}

// Remove drops the outstanding proposal for a position, if any.
func (q *EcoQueue) Remove(positionAddress string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byPos[positionAddress]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byPos, positionAddress)
	return true
}

// Len returns the number of queued proposals.
func (q *EcoQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// ecoHeap is a max-heap over priority implementing heap.Interface.
type ecoHeap []*ecoItem

func (h ecoHeap) Len() int { return len(h) }

func (h ecoHeap) Less(i, j int) bool {
	return h[i].proposal.Priority > h[j].proposal.Priority
}

func (h ecoHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ecoHeap) Push(x any) {
	item := x.(*ecoItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *ecoHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// lowest returns the minimum-priority item. Linear scan; the queue is small
// and this only runs when the queue is full.
func (h ecoHeap) lowest() *ecoItem {
	var min *ecoItem
	for _, item := range h {
		if min == nil || item.proposal.Priority < min.proposal.Priority {
			min = item
		}
	}
	return min
}
