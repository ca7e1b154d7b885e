package turbostream

import (
	"context"
	"errors"
	"sync"
)

// Deferred is a value that is not known yet.
//
// Subscribe registers callbacks for its settlement. Exactly one of them must be called, exactly once,
// from any goroutine, including from within Subscribe if the value is already settled.
type Deferred interface {
	Subscribe(onResolve func(value any), onReject func(err error))
}

var errNilRejection = errors.New("turbostream: rejected with a nil error")

// NewPromise returns an unsettled Promise.
func NewPromise() *Promise {
	return &Promise{
		done: make(chan struct{}),
	}
}

// Resolved returns a Promise already resolved with v.
func Resolved(v any) *Promise {
	p := NewPromise()
	p.Resolve(v)
	return p
}

// Rejected returns a Promise already rejected with err.
func Rejected(err error) *Promise {
	p := NewPromise()
	p.Reject(err)
	return p
}

// Go runs fn in a new goroutine, returning a Promise settled with its result.
func Go(fn func() (any, error)) *Promise {
	p := NewPromise()
	go func() {
		v, err := fn()
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	}()
	return p
}

// Promise is the Deferred implementation of this package.
// The decoder hands one out for every deferred value in a stream.
//
// It settles at most once and is thread safe.
type Promise struct {
	mutex   sync.Mutex
	done    chan struct{}
	settled bool
	value   any
	err     error
	subs    []subscription
}

type subscription struct {
	onResolve func(any)
	onReject  func(error)
}

// Resolve settles the promise with v. It returns false, doing nothing, if the promise was already settled.
func (p *Promise) Resolve(v any) bool {
	return p.settle(v, nil)
}

// Reject settles the promise with err. It returns false, doing nothing, if the promise was already settled.
func (p *Promise) Reject(err error) bool {
	if err == nil {
		err = errNilRejection
	}
	return p.settle(nil, err)
}

func (p *Promise) settle(v any, err error) bool {
	p.mutex.Lock()
	if p.settled {
		p.mutex.Unlock()
		return false
	}
	p.settled = true
	p.value, p.err = v, err
	subs := p.subs
	p.subs = nil
	close(p.done)
	p.mutex.Unlock()

	for _, s := range subs {
		s.call(v, err)
	}
	return true
}

func (s subscription) call(v any, err error) {
	if err != nil {
		if s.onReject != nil {
			s.onReject(err)
		}
		return
	}
	if s.onResolve != nil {
		s.onResolve(v)
	}
}

// Subscribe implements Deferred. Callbacks run on the goroutine that settles the promise,
// or immediately if it is already settled. Either callback may be nil.
func (p *Promise) Subscribe(onResolve func(any), onReject func(error)) {
	s := subscription{onResolve: onResolve, onReject: onReject}

	p.mutex.Lock()
	if !p.settled {
		p.subs = append(p.subs, s)
		p.mutex.Unlock()
		return
	}
	v, err := p.value, p.err
	p.mutex.Unlock()

	s.call(v, err)
}

// Done returns a channel that is closed once the promise settles.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the promise has settled.
func (p *Promise) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the promise settles or ctx is done.
func (p *Promise) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.value, p.err
}
