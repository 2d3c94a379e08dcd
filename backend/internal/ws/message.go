package ws

import (
	"time"

	"textcollab/backend/internal/ot/delta"
)

// 客户端消息类型
const (
	TypeJoinDocument        = "joinDocument"
	TypeCreateDocument      = "createDocument"
	TypeOpSubmit            = "op_submit"
	TypeUndo                = "undo"
	TypeSync                = "sync"
	TypeLoadDocumentContent = "loadDocumentContent"
	TypeSaveDocument        = "saveDocument"
	TypeHeartbeat           = "heartbeat"
)

// 服务端消息类型（sync / loadDocumentContent 与请求同名）
const (
	TypeWelcome     = "welcome"
	TypeOpApplied   = "op_applied"
	TypeOpBroadcast = "op_broadcast"
	TypeError       = "error"
	TypeFeedback    = "feedback"
	TypeIgnored     = "ignored"
)

type ClientMessage struct {
	Type         string      `json:"type"`
	DocID        string      `json:"docId"`
	DocTitle     string      `json:"docTitle"`
	BaseRevision uint64      `json:"baseRevision"`
	Revision     uint64      `json:"revision"` // undo 的目标版本
	ClientId     string      `json:"clientId"`
	ClientSeq    uint64      `json:"clientSeq"`
	Ops          delta.Delta `json:"ops"`
}

type ServerMessage struct {
	Type     string `json:"type"`
	UserID   uint64 `json:"userId,omitempty"`
	DocID    string `json:"docId,omitempty"`
	Revision uint64 `json:"revision,omitempty"`
	Code     string `json:"code,omitempty"`
	Content  string `json:"content,omitempty"`
}

// 广播给同文档房间内其他连接的“已应用操作”事件
// - 与 op_applied(ack) 区分：这里用于把变更推送给其他协作者（包括同用户的其他标签页）
// - 前端收到后把 ops 变换过本地未确认的操作再应用，并将本地 revision 对齐到 revision
type OpBroadcastMessage struct {
	Type      string      `json:"type"` // 固定 "op_broadcast"
	DocID     string      `json:"docId"`
	Revision  uint64      `json:"revision"` // 服务端已应用后的最新版本
	AuthorID  uint64      `json:"authorId"`
	ClientId  string      `json:"clientId,omitempty"`
	ClientSeq uint64      `json:"clientSeq,omitempty"`
	Ops       delta.Delta `json:"ops"`
	AppliedAt time.Time   `json:"appliedAt"`
}

type OpAppliedMessage struct {
	Type         string `json:"type"` // 固定 "op_applied"
	DocID        string `json:"docId"`
	BaseRevision uint64 `json:"baseRevision"` // 客户端提交时的 base
	Revision     uint64 `json:"revision"`     // 该操作应用后的版本
	ClientId     string `json:"clientId"`
	ClientSeq    uint64 `json:"clientSeq"`
}

// 重连追平：把 fromRevision 之后的所有操作合成一个 delta
type SyncMessage struct {
	Type         string      `json:"type"` // 固定 "sync"
	DocID        string      `json:"docId"`
	FromRevision uint64      `json:"fromRevision"`
	Revision     uint64      `json:"revision"`
	Ops          delta.Delta `json:"ops"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string      { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
func (m SyncMessage) MessageType() string        { return m.Type }
