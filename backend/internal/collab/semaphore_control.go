package collab

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

var DefaultMaxSemaphore int64 = 100

var ErrSemaphoreNotHeld = errors.New("release failed, semaphore is not acquired")

// SemaphoreControl 限制并发进入某段逻辑（提交/发送）的数量
type SemaphoreControl struct {
	sem  *semaphore.Weighted
	held chan struct{}
}

func NewSemaphoreControl(size int64) *SemaphoreControl {
	if size <= 0 {
		size = DefaultMaxSemaphore
	}
	return &SemaphoreControl{
		sem:  semaphore.NewWeighted(size),
		held: make(chan struct{}, size),
	}
}

// Acquire 阻塞直到拿到名额或 ctx 结束
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire reach time limit: %w", err)
	}
	s.held <- struct{}{}
	return nil
}

// TryAcquire 不等待
func (s *SemaphoreControl) TryAcquire() bool {
	if !s.sem.TryAcquire(1) {
		return false
	}
	s.held <- struct{}{}
	return true
}

// Release 没有持有名额时返回错误而不是 panic
func (s *SemaphoreControl) Release() error {
	select {
	case <-s.held:
		s.sem.Release(1)
		return nil
	default:
		return ErrSemaphoreNotHeld
	}
}
