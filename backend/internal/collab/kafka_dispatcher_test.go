package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"textcollab/backend/internal/ot/delta"
)

func testEvent(rev uint64) DocOpEvent {
	var d delta.Delta
	d.Retain(3).Insert("x")
	return DocOpEvent{
		EventType:   EventOpApplied,
		DocID:       "doc-1",
		OperationID: fmt.Sprintf("o-%d", rev),
		Revision:    rev,
		AuthorID:    1,
		Ops:         d,
		AppliedAt:   time.Now(),
	}
}

func TestKafkaDispatcherSends(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got struct {
			EventType string          `json:"eventType"`
			Revision  uint64          `json:"revision"`
			Ops       json.RawMessage `json:"ops"`
		}
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.EventType != EventOpApplied || got.Revision != 1 || string(got.Ops) != `[3,"x"]` {
			return fmt.Errorf("unexpected payload %s", val)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "doc-ops", NewSemaphoreControl(1), KafkaDispatcherOptions{QueueSize: 4, Workers: 2})
	if err := d.Enqueue(context.Background(), testEvent(1)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer.Close() error = %v", err)
	}
}

func TestKafkaDispatcherRetries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "doc-ops", nil, KafkaDispatcherOptions{
		QueueSize:   1,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	if err := d.Enqueue(context.Background(), testEvent(2)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer.Close() error = %v", err)
	}
}

func TestKafkaDispatcherDropsAfterMaxRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewKafkaDispatcher(producer, "doc-ops", nil, KafkaDispatcherOptions{QueueSize: 1, Workers: 1})
	if err := d.Enqueue(context.Background(), testEvent(3)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	d.Close()
	if err := producer.Close(); err != nil {
		t.Fatalf("producer.Close() error = %v", err)
	}
}

func TestKafkaDispatcherClosed(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{})
	d.Close()
	d.Close()
	if err := d.Enqueue(context.Background(), testEvent(4)); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("Enqueue() after Close error = %v, want ErrDispatcherClosed", err)
	}
}

func TestKafkaDispatcherEnqueueTimeout(t *testing.T) {
	// 没有 worker 消费时，无缓冲队列入队会一直等到 ctx 结束
	d := &KafkaDispatcher{queue: make(chan DocOpEvent)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, testEvent(5)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue() error = %v, want DeadlineExceeded", err)
	}
}

func TestKafkaDispatcherBackoff(t *testing.T) {
	d := &KafkaDispatcher{baseBackoff: 10 * time.Millisecond, maxBackoff: 50 * time.Millisecond}
	for attempt, want := range []time.Duration{10, 20, 40, 50, 50} {
		if got := d.backoff(attempt); got != want*time.Millisecond {
			t.Fatalf("backoff(%d) = %v, want %v", attempt, got, want*time.Millisecond)
		}
	}
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	if err := s.Release(); !errors.Is(err, ErrSemaphoreNotHeld) {
		t.Fatalf("Release() without Acquire error = %v, want ErrSemaphoreNotHeld", err)
	}
	if !s.TryAcquire() {
		t.Fatal("TryAcquire() = false, want true")
	}
	if s.TryAcquire() {
		t.Fatal("TryAcquire() on full semaphore = true, want false")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() on full semaphore error = %v, want DeadlineExceeded", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() after Release error = %v", err)
	}
}
