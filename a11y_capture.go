package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ========================================
// A11y Capture - 无障碍树采集
// ========================================

const (
	windowPollInterval  = 2 * time.Second
	windowCaptureLimit  = 10 * time.Second
	elementCaptureLimit = 3 * time.Second
)

// TreeProvider exposes the platform accessibility tree.
// Implementations wrap the OS accessibility API for the current desktop.
type TreeProvider interface {
	// ElementTreeAt returns the subtree rooted at the element under (x, y)
	ElementTreeAt(ctx context.Context, x, y float64) (json.RawMessage, error)
	// WindowTree returns the full tree of the frontmost window
	WindowTree(ctx context.Context) (json.RawMessage, error)
}

type elementRequest struct {
	timeStamp float64
	x, y      float64
}

// A11yCapture drives snapshot collection during a recording: the
// frontmost window is polled on a rate limit, and every click triggers
// a capture of the element under the cursor
type A11yCapture struct {
	ctx      context.Context
	provider TreeProvider
	recorder *Recorder

	limiter *rate.Limiter

	elementChan chan elementRequest

	// 窗口采集同一时刻只保留最新一个
	windowMu     sync.Mutex
	windowCancel context.CancelFunc

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewA11yCapture 创建采集器
func NewA11yCapture(ctx context.Context, provider TreeProvider, recorder *Recorder) *A11yCapture {
	return &A11yCapture{
		ctx:         ctx,
		provider:    provider,
		recorder:    recorder,
		limiter:     rate.NewLimiter(rate.Every(windowPollInterval), 1),
		elementChan: make(chan elementRequest, 64),
		stopChan:    make(chan struct{}),
	}
}

// Start 启动采集协程
func (c *A11yCapture) Start() {
	c.wg.Add(1)
	go c.elementWorker()

	c.wg.Add(1)
	go c.windowPoller()

	RecorderLog().Msg("A11y capture started")
}

// Stop 停止采集并等待在途任务结束
func (c *A11yCapture) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.cancelWindowCapture()
		c.wg.Wait()
	})
}

// OnClick queues an element capture for a click at (x, y).
// Called from the event source's thread, must not block.
func (c *A11yCapture) OnClick(timeStamp, x, y float64) {
	select {
	case c.elementChan <- elementRequest{timeStamp: timeStamp, x: x, y: y}:
	default:
		LogWarn("a11y_capture").Float64("timestamp", timeStamp).Msg("Element capture dropped, queue full")
	}
}

// TriggerWindowCapture captures the frontmost window immediately,
// cancelling any capture still in flight
func (c *A11yCapture) TriggerWindowCapture() {
	timeStamp := float64(time.Now().UnixNano()) / 1e9

	c.windowMu.Lock()
	if c.windowCancel != nil {
		c.windowCancel()
	}
	ctx, cancel := context.WithTimeout(c.ctx, windowCaptureLimit)
	c.windowCancel = cancel
	c.windowMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		tree, err := c.provider.WindowTree(ctx)
		if err != nil {
			if ctx.Err() == nil {
				LogWarn("a11y_capture").Err(err).Msg("Window capture failed")
			}
			return
		}
		c.recorder.EmitWindowSnapshot(timeStamp, tree)
	}()
}

// elementWorker 逐个处理点击位置的元素采集
func (c *A11yCapture) elementWorker() {
	defer c.wg.Done()

	for {
		select {
		case req := <-c.elementChan:
			c.captureElement(req)
		case <-c.stopChan:
			for {
				select {
				case req := <-c.elementChan:
					c.captureElement(req)
				default:
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *A11yCapture) captureElement(req elementRequest) {
	ctx, cancel := context.WithTimeout(c.ctx, elementCaptureLimit)
	defer cancel()

	tree, err := c.provider.ElementTreeAt(ctx, req.x, req.y)
	if err != nil {
		LogWarn("a11y_capture").
			Err(err).
			Float64("x", req.x).
			Float64("y", req.y).
			Msg("Element capture failed")
		return
	}
	c.recorder.EmitElementSnapshot(req.timeStamp, tree)
}

// windowPoller 按限速轮询最前窗口
func (c *A11yCapture) windowPoller() {
	defer c.wg.Done()

	for {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		select {
		case <-c.stopChan:
			return
		default:
		}
		c.TriggerWindowCapture()
	}
}

func (c *A11yCapture) cancelWindowCapture() {
	c.windowMu.Lock()
	defer c.windowMu.Unlock()
	if c.windowCancel != nil {
		c.windowCancel()
		c.windowCancel = nil
	}
}
