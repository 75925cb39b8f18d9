// Package queue provides a FIFO admission limiter whose concurrency limit
// can be changed while work is in flight.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrCanceled is returned by Ticket.Wait when the ticket was withdrawn from
// the queue before it was admitted.
var ErrCanceled = errors.New("queue ticket canceled")

type ticketState int

const (
	ticketWaiting ticketState = iota
	ticketAdmitted
	ticketCanceled
	ticketReleased
)

// Limiter admits at most Limit holders at a time, in enqueue order.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	running int
	waiting *list.List
}

// Stats is a point-in-time snapshot of a Limiter.
type Stats struct {
	Limit   int `json:"limit"`
	Running int `json:"running"`
	Waiting int `json:"waiting"`
}

// Ticket is one place in a Limiter's queue.
type Ticket struct {
	l     *Limiter
	elem  *list.Element
	ready chan struct{}
	state ticketState
}

// New returns a limiter admitting up to limit holders; limits below 1 are
// raised to 1.
func New(limit int) *Limiter {
	return &Limiter{limit: max(limit, 1), waiting: list.New()}
}

// Enqueue appends a ticket to the queue. The ticket may be admitted
// immediately if a slot is free.
func (l *Limiter) Enqueue() *Ticket {
	t := &Ticket{l: l, ready: make(chan struct{})}
	l.mu.Lock()
	t.elem = l.waiting.PushBack(t)
	l.dispatchLocked()
	l.mu.Unlock()
	return t
}

// Wait blocks until the ticket is admitted, canceled or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
	case <-ctx.Done():
		t.l.mu.Lock()
		switch t.state {
		case ticketWaiting:
			t.l.removeLocked(t)
			t.state = ticketCanceled
			close(t.ready)
			t.l.mu.Unlock()
			return ctx.Err()
		case ticketAdmitted:
			t.l.mu.Unlock()
			t.Release()
			return ctx.Err()
		}
		t.l.mu.Unlock()
	}

	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if t.state == ticketCanceled {
		return ErrCanceled
	}
	return nil
}

// Release frees the ticket's slot. It is safe to call more than once and on
// tickets that were never admitted.
func (t *Ticket) Release() {
	l := t.l
	l.mu.Lock()
	defer l.mu.Unlock()
	switch t.state {
	case ticketAdmitted:
		l.running--
	case ticketWaiting:
		l.removeLocked(t)
		t.state = ticketCanceled
		close(t.ready)
		return
	default:
		return
	}
	t.state = ticketReleased
	l.dispatchLocked()
}

// Cancel withdraws a ticket that has not been admitted yet. It reports
// whether the ticket was still waiting.
func (l *Limiter) Cancel(t *Ticket) bool {
	if t == nil || t.l != l {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.state != ticketWaiting {
		return false
	}
	l.removeLocked(t)
	t.state = ticketCanceled
	close(t.ready)
	return true
}

// SetLimit changes the concurrency limit. Lowering it never interrupts
// admitted holders; it only delays future admissions.
func (l *Limiter) SetLimit(n int) {
	l.mu.Lock()
	l.limit = max(n, 1)
	l.dispatchLocked()
	l.mu.Unlock()
}

// Limit returns the current concurrency limit.
func (l *Limiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Stats returns a snapshot of the limiter.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Limit: l.limit, Running: l.running, Waiting: l.waiting.Len()}
}

func (l *Limiter) removeLocked(t *Ticket) {
	if t.elem != nil {
		l.waiting.Remove(t.elem)
		t.elem = nil
	}
}

func (l *Limiter) dispatchLocked() {
	for l.running < l.limit && l.waiting.Len() > 0 {
		front := l.waiting.Front()
		t := front.Value.(*Ticket)
		l.waiting.Remove(front)
		t.elem = nil
		t.state = ticketAdmitted
		l.running++
		close(t.ready)
	}
}
