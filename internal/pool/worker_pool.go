package pool

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolStopped 协程池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// KeyedPool 按键分区的协程池
//
// 同一个键的任务总是落在同一个工作协程上，按提交顺序执行；
// 不同键的任务在各自的协程上并行执行。
type KeyedPool struct {
	queues []chan func()
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewKeyedPool 创建协程池
//
// 参数:
//   - workers: 工作协程数
//   - queueSize: 每个协程的任务队列大小
func NewKeyedPool(workers, queueSize int, logger *zap.Logger) *KeyedPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	queues := make([]chan func(), workers)
	for i := range queues {
		queues[i] = make(chan func(), queueSize)
	}
	return &KeyedPool{queues: queues, logger: logger}
}

// Start 启动协程池
func (p *KeyedPool) Start(ctx context.Context) {
	for i, queue := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, queue)
	}
}

// Submit 提交任务
//
// 如果队列已满，会阻塞直到有空位或 ctx 结束
func (p *KeyedPool) Submit(ctx context.Context, key string, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queues[p.index(key)] <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 尝试提交任务
//
// 如果队列已满，立即返回 false
func (p *KeyedPool) TrySubmit(key string, task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}

	select {
	case p.queues[p.index(key)] <- task:
		return true
	default:
		return false
	}
}

// Stop 停止协程池，等待已提交的任务执行完毕
func (p *KeyedPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, queue := range p.queues {
		close(queue)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Workers 返回工作协程数
func (p *KeyedPool) Workers() int {
	return len(p.queues)
}

func (p *KeyedPool) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// worker 工作协程
func (p *KeyedPool) worker(ctx context.Context, id int, queue chan func()) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-queue:
			if !ok {
				return
			}
			p.run(id, task)
		}
	}
}

// run 执行任务（捕获 panic）
func (p *KeyedPool) run(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked",
				zap.Int("worker", id),
				zap.Any("panic", r),
			)
		}
	}()
	task()
}
