package collab

import (
	"context"
	"time"

	"textcollab/backend/internal/ot/delta"
)

const EventOpApplied = "OP_APPLIED"

// DocOpEvent 每次成功应用操作后发往 Kafka 的事件；ops 用 delta 的线上数组格式
type DocOpEvent struct {
	EventType    string      `json:"eventType"` // 固定 "OP_APPLIED"
	DocID        string      `json:"docId"`
	OperationID  string      `json:"operationId"`
	Revision     uint64      `json:"revision"`
	AuthorID     uint64      `json:"authorId"`
	ClientID     string      `json:"clientId"`
	ClientSeq    uint64      `json:"clientSeq"` // 针对同一个 clientId 的"本地递增序号"
	BaseRevision uint64      `json:"baseRevision"`
	Ops          delta.Delta `json:"ops"`
	AppliedAt    time.Time   `json:"appliedAt"`
}

// EventPublisher 由 KafkaDispatcher 实现；测试里可以换成内存实现
type EventPublisher interface {
	Enqueue(ctx context.Context, evt DocOpEvent) error
}
