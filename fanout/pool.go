package fanout

import (
	"sync"

	goerrors "github.com/goliatone/go-errors"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = goerrors.New("worker pool is closed", goerrors.CategoryOperation).
	WithTextCode("POOL_CLOSED")

// Pool is a fixed-size set of worker goroutines fed by an unbounded queue.
// Submit never blocks and never rejects work while the pool is open.
// A worker that leaves through runtime.Goexit is replaced.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	size   int
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts size workers. Sizes below 1 start one worker.
func NewPool(size int) *Pool {
	p := &Pool{size: max(size, 1)}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) Size() int { return p.size }

// Submit queues task for execution.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed.Clone()
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Pending is the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops accepting tasks, lets the workers drain the queue and waits
// for them to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return task, true
}

func (p *Pool) work() {
	killed := true
	defer func() {
		if killed {
			p.wg.Add(1)
			go p.work()
		}
		p.wg.Done()
	}()

	for {
		task, ok := p.next()
		if !ok {
			killed = false
			return
		}
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() { _ = recover() }()
	task()
}
