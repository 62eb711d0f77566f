package ports

import (
	"context"

	"github.com/safemode/link-scanner/internal/domain"
)

// JobQueue defines the contract for the work queues connecting the scanner
// to its upstream message handler and the asynchronous deep-scan worker.
type JobQueue interface {
	// PopScanJob blocks until a scan request is available or ctx is done.
	PopScanJob(ctx context.Context) (*domain.ScanJob, error)

	// PushVerdict publishes a verdict for delivery back to the chat context.
	PushVerdict(ctx context.Context, job *domain.VerdictJob) error

	// PushDeepScan enqueues a headless-browser confirmation job.
	PushDeepScan(ctx context.Context, job *domain.DeepScanJob) error

	// Lifecycle
	Close() error
}
