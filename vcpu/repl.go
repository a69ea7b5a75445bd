package vcpu

// MaxRepl bounds the replenishments pending on one sporadic server.
const MaxRepl = 32

const noSlot = -1

// Replenishment is a future re-credit of Budget cycles, eligible at Time.
type Replenishment struct {
	Budget uint64
	Time   uint64
}

type replSlot struct {
	Replenishment
	next int
}

// ReplQueue is a fixed-capacity list of replenishments kept sorted by time.
// Entries live in a per-queue arena and are linked by slot index; a slot with
// Time == 0 is free, so zero is never a valid replenishment time.
type ReplQueue struct {
	slots [MaxRepl]replSlot
	head  int
	size  int
}

func (q *ReplQueue) init() {
	q.head = noSlot
	for i := range q.slots {
		q.slots[i] = replSlot{next: noSlot}
	}
}

// Add inserts a replenishment ahead of the first entry due at or after time.
// When the queue is full the entry is dropped: callers keep the queue within
// MaxRepl by merging before they add.
func (q *ReplQueue) Add(budget, time uint64) {
	if q.size >= MaxRepl {
		return
	}

	if time == 0 {
		panic("vcpu: replenishment at time zero")
	}

	r := noSlot

	for i := range q.slots {
		if q.slots[i].Time == 0 {
			r = i

			break
		}
	}

	if r == noSlot {
		panic("vcpu: replenishment queue has room but no free entry")
	}

	p := &q.head
	for *p != noSlot && q.slots[*p].Time < time {
		p = &q.slots[*p].next
	}

	q.slots[r] = replSlot{Replenishment: Replenishment{Budget: budget, Time: time}, next: *p}
	*p = r
	q.size++
}

// Pop clears and unlinks the head entry.
func (q *ReplQueue) Pop() {
	if q.head == noSlot {
		return
	}

	h := q.head
	q.head = q.slots[h].next
	q.slots[h] = replSlot{next: noSlot}
	q.size--
}

// Head returns the earliest replenishment, or nil. The pointer stays valid
// until the entry is popped.
func (q *ReplQueue) Head() *Replenishment {
	if q.head == noSlot {
		return nil
	}

	return &q.slots[q.head].Replenishment
}

// Next returns the entry after the head, or nil.
func (q *ReplQueue) Next() *Replenishment {
	if q.head == noSlot || q.slots[q.head].next == noSlot {
		return nil
	}

	return &q.slots[q.slots[q.head].next].Replenishment
}

func (q *ReplQueue) Len() int { return q.size }

// Sum returns the total budget of all entries.
func (q *ReplQueue) Sum() uint64 {
	var sum uint64

	for i := q.head; i != noSlot; i = q.slots[i].next {
		sum += q.slots[i].Budget
	}

	return sum
}

// Entries returns a copy of the queue in order.
func (q *ReplQueue) Entries() []Replenishment {
	rs := make([]Replenishment, 0, q.size)

	for i := q.head; i != noSlot; i = q.slots[i].next {
		rs = append(rs, q.slots[i].Replenishment)
	}

	return rs
}

// Clear pops every entry.
func (q *ReplQueue) Clear() {
	for q.head != noSlot {
		q.Pop()
	}
}

// NewReplQueue returns an empty queue.
func NewReplQueue() *ReplQueue {
	q := &ReplQueue{}
	q.init()

	return q
}
