package health

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/coverforge/coverforge/domain/improvejobs"
	"github.com/coverforge/coverforge/domain/repos"
	"github.com/coverforge/coverforge/internal/jobs"
)

// MetricsHandler exposes durable queue depths over HTTP.
type MetricsHandler struct {
	queues []*jobs.Queue
}

// NewMetricsHandler creates the queue metrics handler.
func NewMetricsHandler(scanQueue *repos.ScanQueue, improveQueue *improvejobs.ImproveQueue) *MetricsHandler {
	return &MetricsHandler{
		queues: []*jobs.Queue{scanQueue.Queue, improveQueue.Queue},
	}
}

// QueueMetrics is the per-queue section of the response.
type QueueMetrics struct {
	Queue      string `json:"queue"`
	Pending    int64  `json:"pending"`
	Processing int64  `json:"processing"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
}

// AllQueueMetrics is the full queue stats response.
type AllQueueMetrics struct {
	Queues    []QueueMetrics `json:"queues"`
	Timestamp string         `json:"timestamp"`
}

// QueueStats returns current counts for every durable queue. A queue whose
// stats query fails is reported with an error marker instead of failing the
// whole response.
func (h *MetricsHandler) QueueStats(c echo.Context) error {
	ctx := c.Request().Context()

	metrics := make([]QueueMetrics, 0, len(h.queues))
	for _, q := range h.queues {
		stats, err := q.GetStats(ctx)
		if err != nil {
			metrics = append(metrics, QueueMetrics{Queue: q.Name(), Pending: -1, Processing: -1, Completed: -1, Failed: -1})
			continue
		}
		metrics = append(metrics, QueueMetrics{
			Queue:      q.Name(),
			Pending:    stats.Pending,
			Processing: stats.Processing,
			Completed:  stats.Completed,
			Failed:     stats.Failed,
		})
	}

	return c.JSON(http.StatusOK, AllQueueMetrics{
		Queues:    metrics,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
