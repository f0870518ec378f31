package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestReconcileQueueEnqueueTracksJob(t *testing.T) {
	q, ctx := newTestQueue(t)

	job, err := q.Enqueue(ctx, "kb-1", "doc-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.KBID != "kb-1" || got.DocID != "doc-1" || got.Status != StatusQueued {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestReconcileQueueEnqueueRequiresIDs(t *testing.T) {
	q, ctx := newTestQueue(t)
	if _, err := q.Enqueue(ctx, "", "doc-1"); err == nil {
		t.Fatalf("expected error for missing kb id")
	}
	if _, err := q.Enqueue(ctx, "kb-1", ""); err == nil {
		t.Fatalf("expected error for missing doc id")
	}
}

func TestReconcileQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job.ID, job.KBID, job.DocID); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != job.ID || got.Values["kb_id"] != job.KBID || got.Values["doc_id"] != job.DocID {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestReconcileQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job.ID, job.KBID, job.DocID); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestReconcileQueueHandleMessageExhaustsAttempts(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewReconcileQueue(Config{
		Addr:        redisSrv.Addr(),
		Stream:      "test:reconcile",
		Group:       "test-group",
		Consumer:    "consumer-1",
		MaxAttempts: 1,
		RetryDelay:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "kb-1", "doc-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: q.group, Consumer: "consumer-1",
		Streams: []string{q.stream, ">"}, Count: 1, Block: 0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	msg := streams[0].Messages[0]

	q.handleMessage(ctx, msg, func(context.Context, JobStatus) error {
		return context.DeadlineExceeded
	})

	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected failed after exhausting attempts, got %q", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", got.Attempts)
	}
}

func TestReconcileQueueConsumerName(t *testing.T) {
	q, _ := newTestQueue(t)
	if got := q.ConsumerName(0); got != "consumer-1-0" {
		t.Fatalf("consumer name = %q, want consumer-1-0", got)
	}
	if got := q.ConsumerName(3); got != "consumer-1-3" {
		t.Fatalf("consumer name = %q, want consumer-1-3", got)
	}
}

func newTestQueue(t *testing.T) (*ReconcileQueue, context.Context) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := NewReconcileQueue(Config{
		Addr:       redisSrv.Addr(),
		Stream:     "test:reconcile",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	q.ensureGroup(ctx)
	return q, ctx
}

func newPendingQueueMessage(t *testing.T) (*ReconcileQueue, context.Context, string, JobStatus) {
	t.Helper()
	q, ctx := newTestQueue(t)

	job, err := q.Enqueue(ctx, "kb-1", "doc-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	msg := streams[0].Messages[0]
	return q, ctx, msg.ID, job
}
