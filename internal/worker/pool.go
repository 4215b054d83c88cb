// ============================================================================
// zbworker Dispatch Pool - 作業處理 goroutine 池
// ============================================================================
//
// Package: internal/worker
// 文件: pool.go
// 功能: 以固定數量的 goroutine 執行 handler 呼叫
//
// 設計模式:
//   Worker Pool 模式：
//   1. 固定數量的 goroutine 持續運行
//   2. 通過共享的 taskCh 分發任務
//   3. 池大小等於 maxJobsToActivate，容量計數保證 Submit 不會長時間阻塞
//
// 生命週期:
//   1. NewPool(bufferSize) - 建立 Pool
//   2. Start(n)            - 啟動 n 個 goroutine
//   3. Submit(task)        - 提交任務
//   4. Stop()              - 關閉 taskCh，等待所有 goroutine 完成
//
// 並發控制:
//   - Submit 持有讀鎖直到送出完成，Stop 取得寫鎖後才關閉 taskCh，
//     因此不會向已關閉的 channel 發送
//   - stopCh 先於寫鎖關閉，喚醒阻塞中的 Submit
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Task 是提交給 Pool 的一個工作單元
type Task func()

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 管理多個並發執行 Task 的 goroutine
type Pool struct {
	taskCh  chan Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	log     *slog.Logger
	size    int
	started bool
	stopped bool
	mu      sync.RWMutex // 保護 started / stopped，並序列化 taskCh 的關閉
	once    sync.Once
}

// NewPool 建立新的 Pool
func NewPool(bufferSize int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		taskCh: make(chan Task, bufferSize),
		stopCh: make(chan struct{}),
		log:    logger.With("component", "pool"),
	}
}

// Start 啟動 n 個 goroutine
func (p *Pool) Start(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(id)
		}(i)
	}
	p.size = n
	p.started = true
	return nil
}

// Submit 提交任務，Pool 已滿時阻塞直到有空位或 Pool 停止
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Stop 優雅地關閉 Pool：已提交的任務仍會執行完畢
func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.stopCh) // 喚醒阻塞中的 Submit

		p.mu.Lock()
		p.stopped = true
		close(p.taskCh)
		p.mu.Unlock()

		p.wg.Wait()
	})
}

// Size 返回 goroutine 數量
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size
}

// run 是每個 goroutine 的主循環
func (p *Pool) run(id int) {
	for task := range p.taskCh {
		p.execute(id, task)
	}
}

// execute 執行單一任務，panic 只記錄不擴散
func (p *Pool) execute(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Task panicked", "goroutine", id, "panic", fmt.Sprint(r))
		}
	}()
	task()
}
