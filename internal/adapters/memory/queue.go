package memory

import (
	"context"
	"sync"
	"time"

	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// JobRecorder captures enqueued jobs without executing them, for asserting
// on scheduling decisions.
type JobRecorder struct {
	mu sync.Mutex

	SendJobs   []models.SendJob
	SendDelays []time.Duration
	MineJobs   []models.MineJob
	CancelJobs []models.CancelJob
}

// NewJobRecorder creates an empty recorder.
func NewJobRecorder() *JobRecorder {
	return &JobRecorder{}
}

var _ usecase.JobQueue = (*JobRecorder)(nil)

func (r *JobRecorder) EnqueueSend(ctx context.Context, job models.SendJob, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SendJobs = append(r.SendJobs, job)
	r.SendDelays = append(r.SendDelays, delay)
	return nil
}

func (r *JobRecorder) EnqueueMine(ctx context.Context, job models.MineJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.MineJobs = append(r.MineJobs, job)
	return nil
}

func (r *JobRecorder) EnqueueCancel(ctx context.Context, job models.CancelJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CancelJobs = append(r.CancelJobs, job)
	return nil
}

// Notifications captures webhook deliveries.
type Notifications struct {
	mu       sync.Mutex
	Received []models.Transaction
}

// NewNotifications creates an empty capture notifier.
func NewNotifications() *Notifications {
	return &Notifications{}
}

var _ usecase.Notifier = (*Notifications)(nil)

func (n *Notifications) Notify(ctx context.Context, tx models.Transaction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Received = append(n.Received, tx)
}
