package tagbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type (
	// SnapshotWorker persists tag states in the background so that command
	// execution never waits on the TagStateCache
	SnapshotWorker struct {
		cache  TagStateCache
		logger *zap.Logger
		ctx    context.Context
		queue  chan snapshotRequest
		cancel context.CancelFunc
		config SnapshotConfig
		wg     sync.WaitGroup
	}

	snapshotRequest struct {
		state *SerializableTagState
		key   string
	}
)

// NewSnapshotWorker starts config.WorkerCount goroutines saving to cache
func NewSnapshotWorker(
	cache TagStateCache, config SnapshotConfig, logger *zap.Logger,
) *SnapshotWorker {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = zap.NewNop()
	}

	sw := &SnapshotWorker{
		cache:  cache,
		config: config,
		logger: logger.Named("snapshot"),
		queue:  make(chan snapshotRequest, config.MaxQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := range config.WorkerCount {
		sw.wg.Add(1)
		go sw.worker(i)
	}

	return sw
}

func (sw *SnapshotWorker) worker(id int) {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case req := <-sw.queue:
			sw.saveSnapshot(id, req)
		}
	}
}

func (sw *SnapshotWorker) saveSnapshot(workerID int, req snapshotRequest) {
	ctx, cancel := context.WithTimeout(sw.ctx, sw.config.SaveTimeout)
	defer cancel()

	start := time.Now()
	err := sw.cache.SaveTagState(ctx, req.key, req.state)
	duration := time.Since(start)

	if err != nil {
		sw.logger.Error("failed to save tag state",
			zap.Int("worker_id", workerID),
			zap.String("key", req.key),
			zap.Int64("version", req.state.Version),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	sw.logger.Debug("tag state saved",
		zap.Int("worker_id", workerID),
		zap.String("key", req.key),
		zap.Int64("version", req.state.Version),
		zap.Duration("duration", duration),
	)
}

func (sw *SnapshotWorker) enqueue(key string, st *SerializableTagState) bool {
	req := snapshotRequest{
		key:   key,
		state: st,
	}

	select {
	case sw.queue <- req:
		return true
	default:
		sw.logger.Warn("snapshot queue full, dropping request",
			zap.String("key", key),
			zap.Int64("version", st.Version),
			zap.Int("queue_size", len(sw.queue)),
		)
		return false
	}
}

// Stop waits for in-flight saves and shuts the workers down. Queued
// requests that were not picked up are dropped
func (sw *SnapshotWorker) Stop() {
	sw.cancel()
	sw.wg.Wait()
}
