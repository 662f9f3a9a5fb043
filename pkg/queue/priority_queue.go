package queue

import (
	"container/heap"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-archiver/pkg/models"
)

// --- Priority Queue Implementation ---

// PQItem represents an item in the priority queue
type PQItem struct {
	target *models.CrawlTarget
	tier   int    // Kind priority: pages before assets
	seq    uint64 // Insertion order, breaks ties FIFO
	index  int    // The index of the item in the heap (required by heap interface)
}

// PriorityQueue implements heap.Interface.
// Items are ordered by tier, then depth, then insertion order, which approximates
// a breadth-first page frontier that asset downloads cannot starve.
type PriorityQueue []*PQItem

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.tier != b.tier {
		return a.tier < b.tier
	}
	if a.target.Depth != b.target.Depth {
		return a.target.Depth < b.target.Depth
	}
	return a.seq < b.seq
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push adds an element to the heap
func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*PQItem)
	item.index = n
	*pq = append(*pq, item)
}

// Pop removes and returns the highest priority element (minimum value) from the heap
func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// ThreadSafePriorityQueue wraps PriorityQueue with concurrency controls
type ThreadSafePriorityQueue struct {
	pq      PriorityQueue
	mu      sync.Mutex
	cond    *sync.Cond // Condition variable to wait for items
	closed  bool
	nextSeq uint64
	log     *logrus.Entry
}

// NewThreadSafePriorityQueue creates a new thread-safe priority queue
func NewThreadSafePriorityQueue(logger *logrus.Entry) *ThreadSafePriorityQueue {
	tspq := &ThreadSafePriorityQueue{log: logger}
	tspq.cond = sync.NewCond(&tspq.mu)
	heap.Init(&tspq.pq)
	return tspq
}

// Add pushes a target onto the queue. It returns false, and drops the target, if the queue is closed
func (tspq *ThreadSafePriorityQueue) Add(target *models.CrawlTarget) bool {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	if tspq.closed {
		tspq.log.Debugf("Dropping item added to closed queue: %s", target.URL)
		return false
	}

	heap.Push(&tspq.pq, &PQItem{
		target: target,
		tier:   target.Kind.Priority(),
		seq:    tspq.nextSeq,
	})
	tspq.nextSeq++
	tspq.cond.Signal()
	return true
}

// Pop retrieves and removes the highest priority target
// It blocks if the queue is empty until an item is added or the queue is closed
// Returns the target and true, or nil and false if the queue is closed and empty
func (tspq *ThreadSafePriorityQueue) Pop() (*models.CrawlTarget, bool) {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	for len(tspq.pq) == 0 {
		if tspq.closed {
			return nil, false
		}
		tspq.cond.Wait()
	}

	pqItem := heap.Pop(&tspq.pq).(*PQItem)
	return pqItem.target, true
}

// Close signals that no more items will be added. Items already queued are still handed out by Pop
func (tspq *ThreadSafePriorityQueue) Close() {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	if !tspq.closed {
		tspq.closed = true
		tspq.cond.Broadcast() // Wake up ALL waiting workers so they can check the closed status
	}
}

// CloseAndDrain closes the queue and removes every item not yet handed out.
// The discarded targets are returned so the caller can settle its accounting for them
func (tspq *ThreadSafePriorityQueue) CloseAndDrain() []*models.CrawlTarget {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()

	drained := make([]*models.CrawlTarget, 0, len(tspq.pq))
	for _, item := range tspq.pq {
		drained = append(drained, item.target)
	}
	tspq.pq = tspq.pq[:0]

	if !tspq.closed {
		tspq.closed = true
		tspq.cond.Broadcast()
	}
	return drained
}

// Len returns the current number of items in the queue (thread-safe)
func (tspq *ThreadSafePriorityQueue) Len() int {
	tspq.mu.Lock()
	defer tspq.mu.Unlock()
	return len(tspq.pq)
}
