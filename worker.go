package server

import (
	"sync"
	"time"

	"github.com/toastsandwich/epoll-learn/httpd/pkg/queue"
)

// ServeFunc runs one connection to completion. The pool closes the
// connection once it returns.
type ServeFunc func(worker int, c *Conn)

// WorkerPool is N long lived goroutines draining a shared queue. Any worker
// may pick up any connection; order is whatever the queue hands out.
type WorkerPool struct {
	N int

	queue *queue.Queue[*Conn]
	serve ServeFunc

	wg sync.WaitGroup

	// connections a worker is serving right now. A conn leaves the set
	// before it is closed, so its fd is never reused while listed here.
	mu          sync.Mutex
	busy        map[*Conn]struct{}
	interrupted bool
}

func NewWorkerPool(maxworkercount int, q *queue.Queue[*Conn], serve ServeFunc) *WorkerPool {
	if maxworkercount <= 0 {
		maxworkercount = 1
	}
	return &WorkerPool{
		N:     maxworkercount,
		queue: q,
		serve: serve,
		busy:  make(map[*Conn]struct{}),
	}
}

// Start launches the workers. Call it once.
func (p *WorkerPool) Start() {
	for id := range p.N {
		p.wg.Go(func() {
			for {
				c, ok := p.queue.Dequeue()
				if !ok {
					return
				}
				p.run(id, c)
			}
		})
	}
}

func (p *WorkerPool) run(id int, c *Conn) {
	p.track(c)
	defer func() {
		p.untrack(c)
		c.Close()
	}()
	p.serve(id, c)
}

func (p *WorkerPool) track(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy[c] = struct{}{}
	if p.interrupted {
		c.shutdown()
	}
}

func (p *WorkerPool) untrack(c *Conn) {
	p.mu.Lock()
	delete(p.busy, c)
	p.mu.Unlock()
}

// Busy is the number of connections being served.
func (p *WorkerPool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

// interrupt shuts down every busy connection, and every one picked up
// later, so blocked reads and writes return.
func (p *WorkerPool) interrupt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupted = true
	for c := range p.busy {
		c.shutdown()
	}
	return len(p.busy)
}

// Close tells the workers no more work is coming and waits for them. Work
// still queued is served first.
func (p *WorkerPool) Close() {
	p.queue.SignalTermination()
	p.wg.Wait()
}

// Drain is Close with a deadline. Workers still busy after grace have their
// connections shut down, and Drain returns how many were cut off that way.
// A grace of zero or less waits forever.
func (p *WorkerPool) Drain(grace time.Duration) int {
	if grace <= 0 {
		p.Close()
		return 0
	}
	p.queue.SignalTermination()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return 0
	case <-timer.C:
	}
	n := p.interrupt()
	<-done
	return n
}
