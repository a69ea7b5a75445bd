package vcpu

import "fmt"

// Queue is a per-core first-level queue of runnable VCPUs, linked through
// the VCPUs themselves. A VCPU is on at most one Queue.
type Queue struct {
	head *VCPU
	size int
}

// Append adds v at the tail unless it is already queued, in which case the
// queue is unchanged and false is returned.
func (q *Queue) Append(v *VCPU) bool {
	p := &q.head
	for *p != nil {
		if *p == v {
			return false
		}

		p = &(*p).next
	}

	if v.onQueue != nil && v.onQueue != q {
		panic(fmt.Sprintf("vcpu: %v is already on another core queue", v))
	}

	v.next = nil
	v.onQueue = q
	*p = v
	q.size++

	return true
}

// RemoveHead unlinks and returns the first VCPU, or nil.
func (q *Queue) RemoveHead() *VCPU {
	v := q.head
	if v == nil {
		return nil
	}

	q.head = v.next
	v.next = nil
	v.onQueue = nil
	q.size--

	return v
}

// Remove unlinks v. It reports whether v was queued here.
func (q *Queue) Remove(v *VCPU) bool {
	for p := &q.head; *p != nil; p = &(*p).next {
		if *p == v {
			*p = v.next
			v.next = nil
			v.onQueue = nil
			q.size--

			return true
		}
	}

	return false
}

// Contains reports whether v is queued here.
func (q *Queue) Contains(v *VCPU) bool {
	for i := q.head; i != nil; i = i.next {
		if i == v {
			return true
		}
	}

	return false
}

// Each visits queued VCPUs in order until fn returns false. fn must not
// change the queue.
func (q *Queue) Each(fn func(v *VCPU) bool) {
	for i := q.head; i != nil; i = i.next {
		if !fn(i) {
			return
		}
	}
}

func (q *Queue) Len() int { return q.size }
func (q *Queue) Empty() bool { return q.head == nil }
func (q *Queue) Head() *VCPU { return q.head }

// VCPUs returns the queue contents in order.
func (q *Queue) VCPUs() []*VCPU {
	vs := make([]*VCPU, 0, q.size)
	q.Each(func(v *VCPU) bool {
		vs = append(vs, v)

		return true
	})

	return vs
}
