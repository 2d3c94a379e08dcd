package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"textcollab/backend/internal/collab"
)

// 单次提交（含排队等信号量）的最长时间
var SubmitTimeout = 200 * time.Millisecond

type Conn struct {
	ws  *websocket.Conn
	hub *Hub
	// mu 保护 docID、joining、held；hub 的广播在别的 goroutine 里读它们
	mu    sync.Mutex
	docID string
	// 加入房间到发出 joinDocument 之间到达的广播先扣下，发完快照后只补发更新的版本
	joining bool
	held    []OpBroadcastMessage

	userID   uint64
	username string
	// 出站队列，由 writeLoop 单独消费
	send chan OutboundMessage
	//协作引擎服务
	svc collab.Service
	// 信号量控制
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{ws: ws, hub: hub, userID: userID, username: username, send: make(chan OutboundMessage, 32), svc: svc, sem: sem}
}

// Enqueue 非阻塞入队，队列满时丢弃；客户端落后后可以用 sync 追平
func (c *Conn) Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		log.Printf("send queue full, drop %s (user=%d)", msg.MessageType(), c.userID)
	}
}

// deliver 投递房间广播；正在加入该文档时先扣下
func (c *Conn) deliver(msg OpBroadcastMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joining && msg.DocID == c.docID {
		c.held = append(c.held, msg)
		return
	}
	c.Enqueue(msg)
}

func (c *Conn) currentDoc() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docID
}

func (c *Conn) sendError(err error) {
	c.Enqueue(ServerMessage{Type: TypeError, DocID: c.currentDoc(), Code: collab.ErrorCode(err), Content: err.Error()})
}

// docOf 消息里没带 docId 时用当前房间
func (c *Conn) docOf(msg ClientMessage) string {
	if msg.DocID != "" {
		return msg.DocID
	}
	return c.currentDoc()
}

// join 先进房间再读内容：读内容之后应用的操作一定会被广播到这个连接。
// 读内容之前就应用了的那些，版本不大于快照版本，补发时丢掉。
func (c *Conn) join(ctx context.Context, docID string) {
	c.mu.Lock()
	old := c.docID
	c.docID, c.joining, c.held = docID, true, nil
	c.mu.Unlock()
	if old != "" && old != docID {
		// 先离开旧房间
		c.hub.Leave(old, c)
	}
	c.hub.Join(docID, c)

	content, revision, err := c.svc.LoadDocumentContent(ctx, docID)

	c.mu.Lock()
	held := c.held
	c.joining, c.held = false, nil
	if err != nil {
		c.mu.Unlock()
		c.hub.Leave(docID, c)
		log.Printf("load document content error (doc=%s): %v", docID, err)
		c.sendError(err)
		return
	}
	c.Enqueue(ServerMessage{Type: TypeJoinDocument, UserID: c.userID, DocID: docID, Revision: revision, Content: content})
	for _, msg := range held {
		if msg.Revision > revision {
			c.Enqueue(msg)
		}
	}
	c.mu.Unlock()
}

func (c *Conn) withSubmitSlot(ctx context.Context, fn func(ctx context.Context) (collab.AppliedOp, error)) (collab.AppliedOp, error) {
	submitCtx, cancel := context.WithTimeout(ctx, SubmitTimeout)
	defer cancel()
	if c.sem != nil {
		if err := c.sem.Acquire(submitCtx); err != nil {
			return collab.AppliedOp{}, err
		}
		defer c.sem.Release()
	}
	return fn(submitCtx)
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	docID := c.docOf(msg)
	// ack 和广播都由 hub.DeliverApplied 在文档锁内发出
	_, err := c.withSubmitSlot(withSubmitter(ctx, c, false), func(ctx context.Context) (collab.AppliedOp, error) {
		return c.svc.Submit(ctx, collab.SubmitRequest{
			DocID:        docID,
			AuthorID:     c.userID,
			BaseRevision: msg.BaseRevision,
			ClientID:     msg.ClientId,
			ClientSeq:    msg.ClientSeq,
			Ops:          msg.Ops,
		})
	})
	if err != nil {
		c.sendError(err)
	}
}

// undo 的操作不在客户端本地，所以广播给包括自己在内的所有连接
func (c *Conn) handleUndo(ctx context.Context, msg ClientMessage) {
	docID := c.docOf(msg)
	_, err := c.withSubmitSlot(withSubmitter(ctx, c, true), func(ctx context.Context) (collab.AppliedOp, error) {
		return c.svc.Undo(ctx, collab.UndoRequest{
			DocID:     docID,
			AuthorID:  c.userID,
			ClientID:  msg.ClientId,
			ClientSeq: msg.ClientSeq,
			Revision:  msg.Revision,
		})
	})
	if err != nil {
		c.sendError(err)
	}
}

func (c *Conn) handleSync(ctx context.Context, msg ClientMessage) {
	docID := c.docOf(msg)
	d, revision, err := c.svc.DeltaSince(ctx, docID, msg.BaseRevision)
	if err != nil {
		c.sendError(err)
		return
	}
	c.Enqueue(SyncMessage{Type: TypeSync, DocID: docID, FromRevision: msg.BaseRevision, Revision: revision, Ops: d})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		// 先离开房间再关闭队列，广播不会写入已关闭的通道
		if docID := c.currentDoc(); docID != "" {
			c.hub.Leave(docID, c)
		}
		close(c.send)
	}()
	for {
		var clientMessage ClientMessage
		if err := c.ws.ReadJSON(&clientMessage); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.Printf("read json error (user=%d, doc=%s): %v", c.userID, c.currentDoc(), err)
			}
			return
		}
		switch clientMessage.Type {
		case TypeHeartbeat:
			c.Enqueue(ServerMessage{Type: TypeFeedback, Content: "Heartbeat received"})

		case TypeCreateDocument:
			docID, err := c.svc.CreateDocument(ctx, c.userID, clientMessage.DocTitle)
			if err != nil {
				log.Printf("create document error (title=%s): %v", clientMessage.DocTitle, err)
				c.Enqueue(ServerMessage{Type: TypeError, Code: "CREATE_DOC_FAILED", Content: err.Error()})
				continue
			}
			c.join(ctx, docID)

		case TypeJoinDocument:
			// 允许按 docId 或 docTitle 加入，用于动态切换房间
			docID := clientMessage.DocID
			if docID == "" && clientMessage.DocTitle != "" {
				id, err := c.svc.GetDocumentID(ctx, clientMessage.DocTitle)
				if err != nil {
					log.Printf("get document id error (title=%s): %v", clientMessage.DocTitle, err)
					c.Enqueue(ServerMessage{Type: TypeError, Code: "GET_DOCID_FAILED", Content: err.Error()})
					continue
				}
				docID = id
			}
			if docID == "" {
				c.Enqueue(ServerMessage{Type: TypeError, Code: "MISSING_DOC", Content: "docId or docTitle required"})
				continue
			}
			c.join(ctx, docID)

		case TypeOpSubmit:
			c.handleOpSubmit(ctx, clientMessage)

		case TypeUndo:
			c.handleUndo(ctx, clientMessage)

		case TypeSync:
			c.handleSync(ctx, clientMessage)

		case TypeSaveDocument:
			docID := c.docOf(clientMessage)
			if err := c.svc.SaveSnapshot(ctx, docID); err != nil {
				log.Printf("save document error (doc=%s): %v", docID, err)
				c.Enqueue(ServerMessage{Type: TypeError, DocID: docID, Code: "SAVE_DOC_FAILED", Content: err.Error()})
				continue
			}
			c.Enqueue(ServerMessage{Type: TypeSaveDocument, DocID: docID, Content: "Document " + docID + " saved"})

		case TypeLoadDocumentContent:
			docID := c.docOf(clientMessage)
			content, revision, err := c.svc.LoadDocumentContent(ctx, docID)
			if err != nil {
				log.Printf("load document content error (doc=%s): %v", docID, err)
				c.sendError(err)
				continue
			}
			c.Enqueue(ServerMessage{Type: TypeLoadDocumentContent, DocID: docID, Content: content, Revision: revision})

		default:
			c.Enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的消息，直到 readLoop 关闭通道
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("write json error (user=%d, doc=%s): %v", c.userID, c.currentDoc(), err)
		}
	}
}
