package service

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQueueFull 队列已满，拒绝提交
	ErrQueueFull = errors.New("queue full")
	// ErrJobNotFound 任务不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrNotCancellable 任务已开始处理或已结束，不能取消
	ErrNotCancellable = errors.New("job is not cancellable")
	// ErrDuplicateJob 任务已在队列中
	ErrDuplicateJob = errors.New("job already queued")
)

// QueueStats 队列统计
type QueueStats struct {
	Queued    int   `json:"queued"`
	Active    int   `json:"active"`
	Capacity  int   `json:"capacity"`
	Submitted int64 `json:"submitted"`
}

// TaskQueue 有界 FIFO 队列，只保存任务 ID。
// 入队、出队、取消都在同一把锁下完成。
type TaskQueue struct {
	mu        sync.Mutex
	pending   []string
	active    map[string]struct{}
	capacity  int
	submitted int64
	ready     chan struct{}
}

// NewTaskQueue 创建指定容量的队列
func NewTaskQueue(capacity int) *TaskQueue {
	if capacity <= 0 {
		capacity = 10
	}
	return &TaskQueue{
		active:   make(map[string]struct{}),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Submit 追加到队尾，待处理数达到容量时返回 ErrQueueFull
func (q *TaskQueue) Submit(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.capacity {
		return ErrQueueFull
	}
	if q.containsLocked(id) {
		return ErrDuplicateJob
	}
	q.pending = append(q.pending, id)
	q.submitted++
	q.signal()
	return nil
}

// Requeue 恢复重启前已接受的任务，不受容量限制
func (q *TaskQueue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.containsLocked(id) {
		return ErrDuplicateJob
	}
	q.pending = append(q.pending, id)
	q.signal()
	return nil
}

// Dequeue 取出队首任务并标记为处理中；队列为空时阻塞直到有新任务或 ctx 结束
func (q *TaskQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			id := q.pending[0]
			q.pending[0] = ""
			q.pending = q.pending[1:]
			q.active[id] = struct{}{}
			if len(q.pending) > 0 {
				// 唤醒其他等待中的 worker
				q.signal()
			}
			q.mu.Unlock()
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.ready:
		}
	}
}

// Done 任务处理结束，移出处理中集合
func (q *TaskQueue) Done(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, id)
}

// Size 待处理数量，不含正在处理的任务
func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Position 返回从 1 开始的排队位置
func (q *TaskQueue) Position(id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, pending := range q.pending {
		if pending == id {
			return i + 1, nil
		}
	}
	return 0, ErrJobNotFound
}

// IsActive 任务是否正在处理
func (q *TaskQueue) IsActive(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[id]
	return ok
}

// Cancel 移除仍在排队的任务；已在处理或不存在时返回 false
func (q *TaskQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, pending := range q.pending {
		if pending == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Stats 队列统计
func (q *TaskQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Queued:    len(q.pending),
		Active:    len(q.active),
		Capacity:  q.capacity,
		Submitted: q.submitted,
	}
}

func (q *TaskQueue) containsLocked(id string) bool {
	if _, ok := q.active[id]; ok {
		return true
	}
	for _, pending := range q.pending {
		if pending == id {
			return true
		}
	}
	return false
}

// signal 非阻塞地通知等待者，调用方需持有锁
func (q *TaskQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
