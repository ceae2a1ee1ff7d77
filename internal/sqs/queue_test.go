package sqs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/db"
)

// fakeSQS keeps messages in memory and tracks deletes.
type fakeSQS struct {
	mu        sync.Mutex
	messages  []types.Message
	deleted   []string
	deleteErr error
	seq       int
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := "m-" + strconv.Itoa(f.seq)
	f.messages = append(f.messages, types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          in.MessageBody,
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	return &sqs.ReceiveMessageOutput{Messages: f.messages[:1]}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	f.messages = f.messages[1:]
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		"ApproximateNumberOfMessages":           strconv.Itoa(len(f.messages)),
		"ApproximateNumberOfMessagesNotVisible": "0",
	}}, nil
}

func newJob() *db.NotificationJob {
	return &db.NotificationJob{
		TenantID:   uuid.New(),
		Channel:    db.ChannelEmail,
		CustomerID: uuid.New(),
		Message:    db.Message{Text: "Hola"},
	}
}

func TestQueue_EnqueueDequeueDeletesOnReceipt(t *testing.T) {
	client := &fakeSQS{}
	q := NewQueueWithClient(client, Config{QueueURL: "https://sqs/q"}, zap.NewNop())
	ctx := context.Background()

	job := newJob()
	id, err := q.Enqueue(ctx, job)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id != job.ID.String() {
		t.Errorf("enqueue returned %s, want job id %s", id, job.ID)
	}

	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d == nil || d.Job.ID != job.ID {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if len(client.deleted) != 1 {
		t.Errorf("message should be deleted on receipt, deletes=%d", len(client.deleted))
	}

	if err := q.Complete(ctx, d, true); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 0 || stats.Failed != 1 || stats.Completed != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q := NewQueueWithClient(&fakeSQS{}, Config{QueueURL: "q"}, zap.NewNop())

	d, err := q.Dequeue(context.Background())
	if err != nil || d != nil {
		t.Errorf("expected (nil, nil), got (%v, %v)", d, err)
	}
}

func TestQueue_DeleteFailureWithholdsJob(t *testing.T) {
	client := &fakeSQS{deleteErr: errors.New("access denied")}
	q := NewQueueWithClient(client, Config{QueueURL: "q"}, zap.NewNop())
	_, _ = q.Enqueue(context.Background(), newJob())

	d, err := q.Dequeue(context.Background())
	if err == nil {
		t.Fatal("expected error when delete fails")
	}
	if d != nil {
		t.Error("job must not be handed out when delete fails")
	}
}

func TestQueue_UnreadableMessageCountsFailed(t *testing.T) {
	client := &fakeSQS{}
	q := NewQueueWithClient(client, Config{QueueURL: "q"}, zap.NewNop())
	_, _ = client.SendMessage(context.Background(), &sqs.SendMessageInput{MessageBody: aws.String("not json")})

	if _, err := q.Dequeue(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
	stats, _ := q.Stats(context.Background())
	if stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", stats.Failed)
	}
}

func TestNewQueueWithEndpoint(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	q, err := NewQueueWithEndpoint(context.Background(), Config{
		Region:   "us-east-1",
		QueueURL: "http://localhost:4566/000000000000/dunning-jobs",
	}, "http://localhost:4566", zap.NewNop())
	if err != nil {
		t.Fatalf("NewQueueWithEndpoint: %v", err)
	}

	client, ok := q.client.(*sqs.Client)
	if !ok {
		t.Fatalf("unexpected client type %T", q.client)
	}
	if got := aws.ToString(client.Options().BaseEndpoint); got != "http://localhost:4566" {
		t.Fatalf("BaseEndpoint = %q", got)
	}
	if got := client.Options().Region; got != "us-east-1" {
		t.Fatalf("Region = %q", got)
	}
}
