package task

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Pool 是后台任务的有界调度器。消息扇出与通知推送都经由它执行，
// 任务不随发起请求的结束而取消。
type Pool struct {
	jobs   chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	once   sync.Once
	closed bool
}

// New 启动 workers 个工作协程，队列容量为 buffer。
func New(workers, buffer int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 64
	}
	p := &Pool{jobs: make(chan func(), buffer)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.jobs {
		p.run(fn)
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("background task panic")
		}
	}()
	fn()
}

// Go 提交一个后台任务。队列打满时会短暂阻塞提交方，扇出任务都很小，
// 不会长时间占住请求协程。Stop 之后再提交的任务在调用方协程内联执行，
// 停服窗口内仍在处理的请求不会触发 panic。
func (p *Pool) Go(fn func()) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.run(fn)
		return
	}
	p.jobs <- fn
}

// Stop 关闭队列并等待在途任务执行完，用于停服时排空扇出。
func (p *Pool) Stop() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
	p.wg.Wait()
}
