package ws

import (
	"context"
	"sync"

	"textcollab/backend/internal/collab"
)

type Hub struct {
	// 保护 rooms；加入/离开房间、广播时都会先加锁
	mu sync.RWMutex
	// docID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		// 房间里存连接而不是 userID：一个用户可开多个标签页/设备，广播要逐连接发
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

type submitterKey struct{}

// withSubmitter 标记这次提交来自哪个连接，DeliverApplied 据此给它回 ack
func withSubmitter(ctx context.Context, c *Conn, echo bool) context.Context {
	return context.WithValue(ctx, submitterKey{}, &submitter{conn: c, echo: echo})
}

type submitter struct {
	conn *Conn
	// undo 的结果提交方本地没有，也要收到广播
	echo bool
}

// DeliverApplied 作为 collab.ServiceOptions.OnApplied 使用，在文档写锁内被调用，
// 所以同一文档的广播和 ack 按版本顺序进入各连接的队列。
// 提交方收 ack，其余连接收广播；入队非阻塞，全程持有读锁，连接 Leave 之后不会再被写入。
func (h *Hub) DeliverApplied(ctx context.Context, docID string, op collab.AppliedOp) {
	sub, _ := ctx.Value(submitterKey{}).(*submitter)
	msg := OpBroadcastMessage{
		Type:      TypeOpBroadcast,
		DocID:     docID,
		Revision:  op.Revision,
		AuthorID:  op.AuthorID,
		ClientId:  op.ClientID,
		ClientSeq: op.ClientSeq,
		Ops:       op.Ops,
		AppliedAt: op.AppliedAt,
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[docID] {
		if sub != nil && c == sub.conn && !sub.echo {
			continue
		}
		c.deliver(msg)
	}
	if sub != nil {
		sub.conn.Enqueue(OpAppliedMessage{Type: TypeOpApplied, DocID: docID, BaseRevision: op.BaseRevision, Revision: op.Revision, ClientId: op.ClientID, ClientSeq: op.ClientSeq})
	}
}
