package task

import "fmt"

// Queue is an intrusive singly linked FIFO of tasks. The zero value is an
// empty queue.
type Queue struct {
	head *Task
	size int
}

func (q *Queue) claim(t *Task) {
	if t.on != nil && t.on != q {
		panic(fmt.Sprintf("task: %v is already on another queue", t))
	}

	t.on = q
}

// Append adds t at the tail. Appending a task that is already queued here is
// a no-op and returns false.
func (q *Queue) Append(t *Task) bool {
	p := &q.head
	for *p != nil {
		if *p == t {
			return false
		}

		p = &(*p).next
	}

	q.claim(t)
	t.next = nil
	*p = t
	q.size++

	return true
}

// InsertBefore places t ahead of the first queued task e for which
// before(t, e) holds, or at the tail. Equal keys keep arrival order when
// before is a strict comparison.
func (q *Queue) InsertBefore(t *Task, before func(t, e *Task) bool) bool {
	if q.Contains(t) {
		return false
	}

	p := &q.head
	for *p != nil && !before(t, *p) {
		p = &(*p).next
	}

	q.claim(t)
	t.next = *p
	*p = t
	q.size++

	return true
}

// RemoveHead unlinks and returns the first task, or nil.
func (q *Queue) RemoveHead() *Task {
	t := q.head
	if t == nil {
		return nil
	}

	q.head = t.next
	t.next = nil
	t.on = nil
	q.size--

	return t
}

// Remove unlinks t. It reports whether t was queued here.
func (q *Queue) Remove(t *Task) bool {
	for p := &q.head; *p != nil; p = &(*p).next {
		if *p == t {
			*p = t.next
			t.next = nil
			t.on = nil
			q.size--

			return true
		}
	}

	return false
}

// Contains reports whether t is queued here. A nil task is never queued.
func (q *Queue) Contains(t *Task) bool {
	if t == nil {
		return false
	}

	for i := q.head; i != nil; i = i.next {
		if i == t {
			return true
		}
	}

	return false
}

// Head returns the first task without removing it.
func (q *Queue) Head() *Task { return q.head }

// Empty reports whether no task is queued.
func (q *Queue) Empty() bool { return q.head == nil }

// Len returns the number of queued tasks.
func (q *Queue) Len() int { return q.size }

// Each calls fn for every task in order until fn returns false. fn must not
// modify the queue.
func (q *Queue) Each(fn func(t *Task) bool) {
	for i := q.head; i != nil; i = i.next {
		if !fn(i) {
			return
		}
	}
}

// Tasks returns the queued tasks in order.
func (q *Queue) Tasks() []*Task {
	ts := make([]*Task, 0, q.size)
	q.Each(func(t *Task) bool {
		ts = append(ts, t)

		return true
	})

	return ts
}
