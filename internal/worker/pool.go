// Package worker выполняет операции движка в фоне и возвращает future-канал.
package worker

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/annel0/mmo-territory/internal/engine"
	"github.com/annel0/mmo-territory/internal/logging"
)

// ErrPoolClosed пул остановлен
var ErrPoolClosed = errors.New("worker pool closed")

// Task операция, возвращающая итог движка
type Task func() engine.Result

type job struct {
	fn  Task
	out chan engine.Result
}

// Stats счётчики пула
type Stats struct {
	Submitted uint64
	Completed uint64
	Panicked  uint64
	Queued    int
}

// Pool фиксированный набор воркеров с общей очередью
type Pool struct {
	workerCount int
	queue       chan job

	// closeMu защищает закрытие очереди от конкурентного Submit
	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	panicked  atomic.Uint64
}

// New запускает пул; workerCount <= 0 означает runtime.NumCPU()
func New(workerCount int) *Pool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	p := &Pool{
		workerCount: workerCount,
		queue:       make(chan job, workerCount*2),
	}
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logging.Debug("⚙️ Пул воркеров запущен: %d воркеров", workerCount)
	return p
}

// Submit ставит операцию в очередь. Канал получает ровно один Result и
// закрывается. Блокируется, пока в очереди нет места.
func (p *Pool) Submit(fn Task) <-chan engine.Result {
	out := make(chan engine.Result, 1)

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		out <- closedResult()
		close(out)
		return out
	}

	p.submitted.Add(1)
	p.queue <- job{fn: fn, out: out}
	return out
}

// Close перестаёт принимать задачи и дожидается выполнения очереди
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()

	p.wg.Wait()
	logging.Debug("⚙️ Пул воркеров остановлен")
}

// Stats текущие счётчики
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Queued:    len(p.queue),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.queue {
		j.out <- p.execute(id, j.fn)
		close(j.out)
		p.completed.Add(1)
	}
}

func (p *Pool) execute(id int, fn Task) (res engine.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			logging.Error("💥 Воркер %d: паника в задаче: %v", id, r)
			res = engine.Result{
				Reason:   engine.ReasonInvalidState,
				Category: engine.ReasonInvalidState.Category(),
				Message:  "internal error in background task",
			}
		}
	}()
	return fn()
}

func closedResult() engine.Result {
	return engine.Result{
		Reason:   engine.ReasonInvalidState,
		Category: engine.ReasonInvalidState.Category(),
		Message:  ErrPoolClosed.Error(),
	}
}
