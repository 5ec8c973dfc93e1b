package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"vigilance-ai/server/internal/logger"

	"go.uber.org/zap"
)

var (
	ErrQueueClosed = errors.New("event queue closed")
	ErrQueueFull   = errors.New("event queue full")
)

// EventFunc 在队列的处理协程里执行。
type EventFunc func(ctx context.Context) error

// EventQueue 为语音适配器提供串行事件处理（Actor Model）
// 识别器回调、合成器回调和外部命令都经过这里，
// 适配器内部状态只在处理协程里读写，不需要额外加锁。
type EventQueue struct {
	name      string
	eventChan chan *queuedEvent
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *zap.Logger

	// 统计信息
	mu              sync.Mutex
	totalEvents     int64
	processedEvents int64
	droppedEvents   int64
	failedEvents    int64
}

type queuedEvent struct {
	kind      string
	fn        EventFunc
	timestamp time.Time
	resultCh  chan error // 同步调用时等待结果
}

const (
	// 队列容量：超过此值的事件将被丢弃（背压控制）
	defaultQueueCapacity = 100
	// 单个事件处理超时
	defaultEventTimeout = 10 * time.Second
	slowEventThreshold  = time.Second
)

// NewEventQueue 创建事件队列并启动处理协程
func NewEventQueue(name string, log *zap.Logger) *EventQueue {
	ctx, cancel := context.WithCancel(context.Background())

	eq := &EventQueue{
		name:      name,
		eventChan: make(chan *queuedEvent, defaultQueueCapacity),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.OrNop(log).Named("event_queue").With(zap.String("queue", name)),
	}

	eq.wg.Add(1)
	go eq.processLoop()

	return eq
}

// Enqueue 将事件加入队列（异步，非阻塞）
func (eq *EventQueue) Enqueue(kind string, fn EventFunc) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	event := &queuedEvent{
		kind:      kind,
		fn:        fn,
		timestamp: time.Now(),
	}

	select {
	case eq.eventChan <- event:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
		return nil
	default:
		eq.mu.Lock()
		eq.droppedEvents++
		eq.mu.Unlock()
		eq.logger.Warn("Queue full, dropping event", zap.String("kind", kind))
		return ErrQueueFull
	}
}

// EnqueueSync 将事件加入队列并等待处理完成（同步）。
// 不能在处理协程内部调用，否则会等到超时。
func (eq *EventQueue) EnqueueSync(kind string, fn EventFunc, timeout time.Duration) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	if timeout == 0 {
		timeout = defaultEventTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	event := &queuedEvent{
		kind:      kind,
		fn:        fn,
		timestamp: time.Now(),
		resultCh:  make(chan error, 1),
	}

	select {
	case eq.eventChan <- event:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
	case <-timer.C:
		return errors.New("timeout enqueuing event")
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}

	select {
	case err := <-event.resultCh:
		return err
	case <-timer.C:
		return errors.New("timeout waiting for event processing")
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}
}

// processLoop 串行处理事件（单线程）
func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()

	for {
		select {
		case <-eq.ctx.Done():
			return
		case event := <-eq.eventChan:
			eq.processEvent(event)
		}
	}
}

func (eq *EventQueue) processEvent(event *queuedEvent) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(eq.ctx, defaultEventTimeout)
	defer cancel()

	err := event.fn(ctx)
	processingTime := time.Since(startTime)

	eq.mu.Lock()
	eq.processedEvents++
	if err != nil {
		eq.failedEvents++
	}
	eq.mu.Unlock()

	if err != nil {
		eq.logger.Warn("Event processing failed",
			zap.String("kind", event.kind),
			zap.Error(err),
			zap.Duration("processing_time", processingTime),
		)
	} else {
		eq.logger.Debug("Event processed",
			zap.String("kind", event.kind),
			zap.Duration("queue_latency", startTime.Sub(event.timestamp)),
			zap.Duration("processing_time", processingTime),
		)
	}

	if event.resultCh != nil {
		select {
		case event.resultCh <- err:
		default:
		}
	}

	if processingTime > slowEventThreshold {
		eq.logger.Warn("Slow event processing",
			zap.String("kind", event.kind),
			zap.Duration("processing_time", processingTime),
		)
	}
}

// Close 停止处理协程。未处理的事件被丢弃；重复调用安全。
func (eq *EventQueue) Close() error {
	eq.closeOnce.Do(func() {
		eq.cancel()
		eq.wg.Wait()

		eq.mu.Lock()
		total, processed, dropped := eq.totalEvents, eq.processedEvents, eq.droppedEvents
		eq.mu.Unlock()

		eq.logger.Debug("Event queue closed",
			zap.Int64("total", total),
			zap.Int64("processed", processed),
			zap.Int64("dropped", dropped),
			zap.Int("pending", len(eq.eventChan)),
		)
	})
	return nil
}

// GetStats 获取队列统计信息
func (eq *EventQueue) GetStats() map[string]interface{} {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	return map[string]interface{}{
		"queue":            eq.name,
		"total_events":     eq.totalEvents,
		"processed_events": eq.processedEvents,
		"dropped_events":   eq.droppedEvents,
		"failed_events":    eq.failedEvents,
		"pending_events":   len(eq.eventChan),
		"queue_capacity":   cap(eq.eventChan),
	}
}
