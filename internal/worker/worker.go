package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

// Runner executes one scan session.
type Runner interface {
	Run(ctx context.Context, sessionID string, req crawler.ScanRequest) crawler.ScanResult
}

// Worker consumes queued scans and hands them to a Runner.
type Worker struct {
	queue  crawler.Queue
	runner Runner
	logger *zap.Logger
}

// New constructs a Worker.
func New(queue crawler.Queue, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, runner: runner, logger: logger}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued scan", zap.String("session_id", item.SessionID))
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	if w.runner == nil {
		w.logger.Error("no scanner configured", zap.String("session_id", item.SessionID))
		return
	}
	result := w.runner.Run(ctx, item.SessionID, item.Request)
	w.logger.Info("queued scan processed",
		zap.String("session_id", item.SessionID),
		zap.String("status", string(result.Status)),
		zap.Int("saved", result.SavedCount),
	)
}
