package hotstuff

// Promise is a continuation-carrying value resolved on the event loop.
// Resolve, Reject, Then and Catch must all be called from the loop goroutine;
// callbacks run on the loop as well, so they may touch protocol state freely.
//
// The world can advance between registration and resolution: continuations
// must re-check any invariant they depend on.
type Promise struct {
	loop      *EventLoop
	fulfilled bool
	rejected  bool
	value     interface{}
	err       error
	onOK      []func(interface{})
	onErr     []func(error)
}

// NewPromise creates a pending promise bound to the loop.
func NewPromise(loop *EventLoop) *Promise {
	return &Promise{loop: loop}
}

// Resolved creates an already-fulfilled promise.
func Resolved(loop *EventLoop, v interface{}) *Promise {
	return &Promise{loop: loop, fulfilled: true, value: v}
}

// Resolve fulfills the promise and runs registered continuations.
func (p *Promise) Resolve(v interface{}) {
	if p.fulfilled || p.rejected {
		return
	}
	p.fulfilled = true
	p.value = v
	for _, fn := range p.onOK {
		fn(v)
	}
	p.onOK, p.onErr = nil, nil
}

// Reject fails the promise and runs registered error continuations.
func (p *Promise) Reject(err error) {
	if p.fulfilled || p.rejected {
		return
	}
	p.rejected = true
	p.err = err
	for _, fn := range p.onErr {
		fn(err)
	}
	p.onOK, p.onErr = nil, nil
}

// Then registers a continuation for fulfillment. Returns p for chaining.
func (p *Promise) Then(fn func(interface{})) *Promise {
	if p.fulfilled {
		fn(p.value)
		return p
	}
	if p.rejected {
		return p
	}
	p.onOK = append(p.onOK, fn)
	return p
}

// Catch registers a continuation for rejection. Returns p for chaining.
func (p *Promise) Catch(fn func(error)) *Promise {
	if p.rejected {
		fn(p.err)
		return p
	}
	if p.fulfilled {
		return p
	}
	p.onErr = append(p.onErr, fn)
	return p
}

// All joins promises: it fulfills with the slice of values once every input
// fulfills, or rejects with the first rejection.
func All(loop *EventLoop, ps ...*Promise) *Promise {
	joined := NewPromise(loop)
	if len(ps) == 0 {
		joined.Resolve([]interface{}{})
		return joined
	}
	values := make([]interface{}, len(ps))
	remaining := len(ps)
	for i, p := range ps {
		idx := i
		p.Then(func(v interface{}) {
			values[idx] = v
			remaining--
			if remaining == 0 {
				joined.Resolve(values)
			}
		})
		p.Catch(func(err error) {
			joined.Reject(err)
		})
	}
	return joined
}
