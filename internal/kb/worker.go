package kb

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"willflow/internal/util"
	"willflow/pkg/queue"
)

// Worker drains the reconcile queue. Each job polls the engine once; a
// non-terminal result re-enqueues the job with the queue's retry delay until
// the status settles or attempts run out.
type Worker struct {
	svc         *Service
	queue       *queue.ReconcileQueue
	concurrency int
}

func NewWorker(svc *Service, q *queue.ReconcileQueue, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Worker{svc: svc, queue: q, concurrency: concurrency}
}

// Run blocks until ctx is canceled, supervising the consumer goroutines.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		consumer := w.queue.ConsumerName(i)
		g.Go(func() error {
			return w.queue.Consume(ctx, consumer, w.handle)
		})
	}
	return g.Wait()
}

func (w *Worker) handle(ctx context.Context, job queue.JobStatus) error {
	st, err := w.svc.ReconcileStatus(ctx, job.KBID, job.DocID)
	if err != nil {
		// A vanished knowledge base or document will never converge; drop
		// the job instead of retrying it.
		util.LoggerFromContext(ctx).Warn("reconcile job dropped",
			"kb_id", job.KBID, "doc_id", job.DocID, "error", err)
		return nil
	}
	if st.Terminal() {
		return nil
	}
	return fmt.Errorf("document %s still %s", job.DocID, st)
}
