package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"textcollab/backend/internal/ot/delta"
)

// 协作引擎接口
type Service interface {
	// Submit 把基于 BaseRevision 的 delta 变换到当前版本后应用，返回实际应用的操作
	Submit(ctx context.Context, req SubmitRequest) (AppliedOp, error)
	// Undo 撤销某个版本上的操作（作为一个新操作提交）
	Undo(ctx context.Context, req UndoRequest) (AppliedOp, error)

	CurrentRevision(ctx context.Context, docID string) (uint64, error)
	LoadDocumentContent(ctx context.Context, docID string) (string, uint64, error)

	// 用于握手/追平
	OpsSince(ctx context.Context, docID string, fromRevision uint64, limit int) ([]AppliedOp, error)
	DeltaSince(ctx context.Context, docID string, fromRevision uint64) (delta.Delta, uint64, error)

	SaveSnapshot(ctx context.Context, docID string) error

	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error)
}

// 快照存储接口
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docID string, rev uint64, content string) error
	// found=false 表示该文档还没有快照
	LatestSnapshot(ctx context.Context, docID string) (content string, rev uint64, found bool, err error)
}

type DocumentStore interface {
	GetDocumentID(ctx context.Context, title string) (string, error)
	CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error)
}

// OpLog 持久化的操作日志，内存环形缓冲覆盖不到的旧版本从这里取
type OpLog interface {
	Append(ctx context.Context, docID string, op AppliedOp) error
	// Range 返回 Revision > fromRevision 的所有操作，按版本递增
	Range(ctx context.Context, docID string, fromRevision uint64) ([]AppliedOp, error)
}

type SubmitRequest struct {
	DocID        string
	AuthorID     uint64
	BaseRevision uint64
	ClientID     string
	ClientSeq    uint64
	Ops          delta.Delta
}

type UndoRequest struct {
	DocID     string
	AuthorID  uint64
	ClientID  string
	ClientSeq uint64
	Revision  uint64 // 要撤销的版本
}

type AppliedOp struct {
	OperationID  string      `json:"operationId"` // 本次操作的唯一ID（用于幂等/追踪）
	Revision     uint64      `json:"revision"`    // 应用后的文档版本号
	BaseRevision uint64      `json:"baseRevision"`
	AuthorID     uint64      `json:"authorId"`
	ClientID     string      `json:"clientId,omitempty"`
	ClientSeq    uint64      `json:"clientSeq,omitempty"`
	Ops          delta.Delta `json:"ops"`     // 变换后实际应用的操作
	Inverse      delta.Delta `json:"inverse"` // 针对应用前内容的逆操作，用于撤销
	AppliedAt    time.Time   `json:"appliedAt"`
}

var (
	ErrRevisionConflict      = errors.New("REVISION_CONFLICT")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrRevisionTooOld        = errors.New("REVISION_TOO_OLD")
	ErrInvalidDelta          = errors.New("INVALID_DELTA")
	ErrOpNotFound            = errors.New("OP_NOT_FOUND")
	ErrUndoForbidden         = errors.New("UNDO_FORBIDDEN")
	ErrStoreNotInitialized   = errors.New("store not initialized")
	ErrOpLogGap              = errors.New("oplog is not contiguous")
)

// ErrorCode 把错误映射成对外的错误码，未知错误返回 INTERNAL
func ErrorCode(err error) string {
	for _, e := range []error{
		ErrRevisionConflict,
		ErrDuplicateOrOutOfOrder,
		ErrRevisionTooOld,
		ErrInvalidDelta,
		ErrOpNotFound,
		ErrUndoForbidden,
	} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "INTERNAL"
}

type ServiceOptions struct {
	// 近期操作环形缓冲容量
	RingCap int
	// 每隔多少个版本自动保存一次快照，0 表示关闭
	SnapshotEvery uint64
	// 自动快照后操作日志保留的条数，0 表示不裁剪
	OpLogKeep int64
	// 发 Kafka 入队的最长等待
	PublishTimeout time.Duration
	// 每应用一个操作调用一次，调用时持有该文档的写锁，所以同一文档按版本顺序到达。
	// 实现必须非阻塞，且不能回调 Service。
	OnApplied AppliedHook
}

// AppliedHook 接收刚应用的操作；ctx 是提交方的 context
type AppliedHook func(ctx context.Context, docID string, op AppliedOp)

// 操作日志可选支持裁剪
type opLogTrimmer interface {
	Trim(ctx context.Context, docID string, keep int64) error
}

type docState struct {
	mu       sync.RWMutex
	revision uint64
	opsRing  []AppliedOp
	// 去重窗口：记录某 clientId 最近的最大 clientSeq
	lastSeqByClient map[string]uint64
	// 文档内容缓冲区
	buf Buffer
}

// 内存实现：持有所有已打开文档的状态
type InMemoryService struct {
	mu   sync.RWMutex
	docs map[string]*docState
	sf   singleflight.Group
	opt  ServiceOptions

	// 依赖注入，实现在 store / cache 中
	store         SnapshotStore
	documentStore DocumentStore
	opLog         OpLog
	events        EventPublisher
}

// NewInMemoryService 返回一个满足 Service 接口的实例；依赖都可以为 nil
func NewInMemoryService(store SnapshotStore, documentStore DocumentStore, opLog OpLog, events EventPublisher, opt ServiceOptions) Service {
	if opt.RingCap <= 0 {
		opt.RingCap = 1024
	}
	if opt.PublishTimeout <= 0 {
		opt.PublishTimeout = 100 * time.Millisecond
	}
	return &InMemoryService{
		docs:          make(map[string]*docState),
		opt:           opt,
		store:         store,
		documentStore: documentStore,
		opLog:         opLog,
		events:        events,
	}
}

// 获取指定文档的状态；第一次访问时从最新快照恢复
func (s *InMemoryService) getOrLoadDoc(ctx context.Context, docID string) (*docState, error) {
	s.mu.RLock()
	ds := s.docs[docID]
	s.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}

	// 同一文档的并发加载只走一次存储
	v, err, _ := s.sf.Do(docID, func() (interface{}, error) {
		s.mu.RLock()
		ds := s.docs[docID]
		s.mu.RUnlock()
		if ds != nil {
			return ds, nil
		}

		content, rev := "", uint64(0)
		if s.store != nil {
			c, r, found, err := s.store.LatestSnapshot(ctx, docID)
			if err != nil {
				return nil, fmt.Errorf("load snapshot for %s: %w", docID, err)
			}
			if found {
				content, rev = c, r
			}
		}
		ds = &docState{
			revision:        rev,
			lastSeqByClient: make(map[string]uint64),
			opsRing:         make([]AppliedOp, 0, s.opt.RingCap),
			buf:             NewPieceTable(content),
		}
		if err := s.replayOpLog(ctx, ds, docID); err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if existing := s.docs[docID]; existing != nil {
			return existing, nil
		}
		s.docs[docID] = ds
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*docState), nil
}

// replayOpLog 把快照之后落进操作日志的操作重放到 ds 上（ds 还没发布，不用加锁）。
// 版本不大于快照的条目跳过；中间缺版本时拒绝加载，否则新操作会和日志里已有的版本号撞车。
func (s *InMemoryService) replayOpLog(ctx context.Context, ds *docState, docID string) error {
	if s.opLog == nil {
		return nil
	}
	ops, err := s.opLog.Range(ctx, docID, ds.revision)
	if err != nil {
		return fmt.Errorf("replay oplog for %s: %w", docID, err)
	}
	for _, op := range ops {
		if op.Revision <= ds.revision {
			continue
		}
		if op.Revision != ds.revision+1 {
			return fmt.Errorf("replay oplog for %s: %w: expected rev %d, got %d", docID, ErrOpLogGap, ds.revision+1, op.Revision)
		}
		if err := ds.buf.Apply(op.Ops); err != nil {
			return fmt.Errorf("replay oplog for %s rev %d: %w", docID, op.Revision, err)
		}
		ds.revision = op.Revision
		ds.pushRing(op, s.opt.RingCap)
		if op.ClientID != "" {
			ds.lastSeqByClient[op.ClientID] = op.ClientSeq
		}
	}
	if len(ops) > 0 {
		log.Printf("oplog replayed doc=%s rev=%d", docID, ds.revision)
	}
	return nil
}

// pushRing 追加到环形缓冲，达到容量则丢弃最老的一条
func (ds *docState) pushRing(op AppliedOp, capacity int) {
	if len(ds.opsRing) == capacity {
		copy(ds.opsRing[0:], ds.opsRing[1:])
		ds.opsRing = ds.opsRing[:len(ds.opsRing)-1]
	}
	ds.opsRing = append(ds.opsRing, op)
}

// 提交操作（InMemoryService 实现）
func (s *InMemoryService) Submit(ctx context.Context, req SubmitRequest) (AppliedOp, error) {
	ds, err := s.getOrLoadDoc(ctx, req.DocID)
	if err != nil {
		return AppliedOp{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.checkSeq(req.ClientID, req.ClientSeq); err != nil {
		return AppliedOp{}, err
	}
	// 版本校验：不能基于一个还不存在的版本
	if req.BaseRevision > ds.revision {
		return AppliedOp{}, fmt.Errorf("%w: base %d is ahead of %d", ErrRevisionConflict, req.BaseRevision, ds.revision)
	}

	concurrent, err := s.historySince(ctx, ds, req.DocID, req.BaseRevision)
	if err != nil {
		return AppliedOp{}, err
	}
	// 把客户端操作依次变换过它没见过的操作；客户端操作作为左参数
	ops := req.Ops
	for _, op := range concurrent {
		if ops, _, err = delta.Transform(ops, op.Ops); err != nil {
			return AppliedOp{}, fmt.Errorf("%w: transform against rev %d: %v", ErrInvalidDelta, op.Revision, err)
		}
	}
	return s.applyLocked(ctx, ds, req, ops)
}

// Undo 取出目标版本记录的逆操作，变换过之后的所有操作，再作为新操作应用
func (s *InMemoryService) Undo(ctx context.Context, req UndoRequest) (AppliedOp, error) {
	ds, err := s.getOrLoadDoc(ctx, req.DocID)
	if err != nil {
		return AppliedOp{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.checkSeq(req.ClientID, req.ClientSeq); err != nil {
		return AppliedOp{}, err
	}
	if req.Revision == 0 || req.Revision > ds.revision {
		return AppliedOp{}, fmt.Errorf("%w: revision %d", ErrOpNotFound, req.Revision)
	}
	history, err := s.historySince(ctx, ds, req.DocID, req.Revision-1)
	if err != nil {
		return AppliedOp{}, err
	}
	target := history[0]
	if target.AuthorID != req.AuthorID {
		return AppliedOp{}, fmt.Errorf("%w: revision %d belongs to author %d", ErrUndoForbidden, req.Revision, target.AuthorID)
	}

	later := make([]delta.Delta, 0, len(history)-1)
	for _, op := range history[1:] {
		later = append(later, op.Ops)
	}
	inv, err := delta.TransformAgainst(target.Inverse, later...)
	if err != nil {
		return AppliedOp{}, fmt.Errorf("%w: undo rev %d: %v", ErrInvalidDelta, req.Revision, err)
	}
	return s.applyLocked(ctx, ds, SubmitRequest{
		DocID:        req.DocID,
		AuthorID:     req.AuthorID,
		BaseRevision: ds.revision,
		ClientID:     req.ClientID,
		ClientSeq:    req.ClientSeq,
	}, inv)
}

// 幂等/去重：同一个 clientId 的序号必须严格递增
func (ds *docState) checkSeq(clientID string, clientSeq uint64) error {
	if clientID == "" {
		return nil
	}
	if last := ds.lastSeqByClient[clientID]; clientSeq <= last {
		return fmt.Errorf("%w: client %s seq %d <= %d", ErrDuplicateOrOutOfOrder, clientID, clientSeq, last)
	}
	return nil
}

// applyLocked 在持有 ds.mu 写锁时调用；ops 已经是基于当前版本的操作
func (s *InMemoryService) applyLocked(ctx context.Context, ds *docState, req SubmitRequest, ops delta.Delta) (AppliedOp, error) {
	inverse, err := ops.Invert(ds.buf.String())
	if err != nil {
		return AppliedOp{}, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	if err := ds.buf.Apply(ops); err != nil {
		return AppliedOp{}, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}

	// 推进版本
	ds.revision++
	now := time.Now()
	appliedOp := AppliedOp{
		OperationID:  fmt.Sprintf("%s-%d-%d", req.DocID, ds.revision, now.UnixNano()),
		Revision:     ds.revision,
		BaseRevision: req.BaseRevision,
		AuthorID:     req.AuthorID,
		ClientID:     req.ClientID,
		ClientSeq:    req.ClientSeq,
		Ops:          ops,
		Inverse:      inverse,
		AppliedAt:    now,
	}

	ds.pushRing(appliedOp, s.opt.RingCap)

	if req.ClientID != "" {
		ds.lastSeqByClient[req.ClientID] = req.ClientSeq
	}

	if s.opt.OnApplied != nil {
		s.opt.OnApplied(ctx, req.DocID, appliedOp)
	}

	// 操作日志落地失败不回滚内存状态，只打日志；环形缓冲仍然可以追平近期版本
	if s.opLog != nil {
		if err := s.opLog.Append(ctx, req.DocID, appliedOp); err != nil {
			log.Printf("oplog append failed doc=%s rev=%d err=%v", req.DocID, appliedOp.Revision, err)
		}
	}

	s.publish(ctx, req, appliedOp)

	if s.store != nil && s.opt.SnapshotEvery > 0 && ds.revision%s.opt.SnapshotEvery == 0 {
		content, rev := ds.buf.String(), ds.revision
		go func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.SaveDocumentSnapshot(sctx, req.DocID, rev, content); err != nil {
				log.Printf("auto snapshot failed doc=%s rev=%d err=%v", req.DocID, rev, err)
				return
			}
			if t, ok := s.opLog.(opLogTrimmer); ok && s.opt.OpLogKeep > 0 {
				if err := t.Trim(sctx, req.DocID, s.opt.OpLogKeep); err != nil {
					log.Printf("oplog trim failed doc=%s err=%v", req.DocID, err)
				}
			}
		}()
	}

	return appliedOp, nil
}

// 异步发 Kafka（只入队，不阻塞主流程）
func (s *InMemoryService) publish(ctx context.Context, req SubmitRequest, op AppliedOp) {
	if s.events == nil {
		return
	}
	evt := DocOpEvent{
		EventType:    EventOpApplied,
		DocID:        req.DocID,
		OperationID:  op.OperationID,
		Revision:     op.Revision,
		AuthorID:     op.AuthorID,
		ClientID:     op.ClientID,
		ClientSeq:    op.ClientSeq,
		BaseRevision: op.BaseRevision,
		Ops:          op.Ops,
		AppliedAt:    op.AppliedAt,
	}
	pctx, cancel := context.WithTimeout(ctx, s.opt.PublishTimeout)
	defer cancel()
	if err := s.events.Enqueue(pctx, evt); err != nil {
		log.Printf("enqueue op event failed doc=%s rev=%d err=%v", req.DocID, op.Revision, err)
	}
}

// historySince 返回 Revision > from 的所有操作（连续、递增），调用方持有 ds.mu。
// 环形缓冲覆盖不到时查操作日志，都覆盖不到返回 ErrRevisionTooOld。
func (s *InMemoryService) historySince(ctx context.Context, ds *docState, docID string, from uint64) ([]AppliedOp, error) {
	want := int(ds.revision - from)
	if want == 0 {
		return nil, nil
	}
	if n := len(ds.opsRing); n >= want {
		out := make([]AppliedOp, want)
		copy(out, ds.opsRing[n-want:])
		return out, nil
	}
	if s.opLog != nil {
		ops, err := s.opLog.Range(ctx, docID, from)
		if err != nil {
			return nil, fmt.Errorf("oplog range doc=%s from=%d: %w", docID, from, err)
		}
		if len(ops) >= want && contiguousFrom(ops[:want], from) {
			return ops[:want], nil
		}
	}
	return nil, fmt.Errorf("%w: base %d, current %d", ErrRevisionTooOld, from, ds.revision)
}

// 每一条都必须恰好是 from+1, from+2, ...，日志里有重复或缺口都不能拿来变换
func contiguousFrom(ops []AppliedOp, from uint64) bool {
	for i, op := range ops {
		if op.Revision != from+1+uint64(i) {
			return false
		}
	}
	return true
}

// 返回当前文档版本（InMemoryService 实现）
func (s *InMemoryService) CurrentRevision(ctx context.Context, docID string) (uint64, error) {
	ds, err := s.getOrLoadDoc(ctx, docID)
	if err != nil {
		return 0, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.revision, nil
}

func (s *InMemoryService) LoadDocumentContent(ctx context.Context, docID string) (string, uint64, error) {
	ds, err := s.getOrLoadDoc(ctx, docID)
	if err != nil {
		return "", 0, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.buf.String(), ds.revision, nil
}

// 返回 fromRevision 之后的已应用操作（InMemoryService 实现）
func (s *InMemoryService) OpsSince(ctx context.Context, docID string, fromRevision uint64, limit int) ([]AppliedOp, error) {
	ds, err := s.getOrLoadDoc(ctx, docID)
	if err != nil {
		return nil, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if fromRevision > ds.revision {
		return nil, fmt.Errorf("%w: from %d is ahead of %d", ErrRevisionConflict, fromRevision, ds.revision)
	}
	out, err := s.historySince(ctx, ds, docID, fromRevision)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeltaSince 把 fromRevision 之后的所有操作合成一个 delta，客户端重连时一次追平。
// 没有新操作时返回 retain 全文的 noop。
func (s *InMemoryService) DeltaSince(ctx context.Context, docID string, fromRevision uint64) (delta.Delta, uint64, error) {
	ds, err := s.getOrLoadDoc(ctx, docID)
	if err != nil {
		return delta.Delta{}, 0, err
	}
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if fromRevision > ds.revision {
		return delta.Delta{}, 0, fmt.Errorf("%w: from %d is ahead of %d", ErrRevisionConflict, fromRevision, ds.revision)
	}
	history, err := s.historySince(ctx, ds, docID, fromRevision)
	if err != nil {
		return delta.Delta{}, 0, err
	}
	if len(history) == 0 {
		var noop delta.Delta
		noop.Retain(ds.buf.Len())
		return noop, ds.revision, nil
	}
	ds2 := make([]delta.Delta, len(history))
	for i, op := range history {
		ds2[i] = op.Ops
	}
	composed, err := delta.ComposeAll(ds2...)
	if err != nil {
		return delta.Delta{}, 0, fmt.Errorf("compose history doc=%s from=%d: %w", docID, fromRevision, err)
	}
	return composed, ds.revision, nil
}

func (s *InMemoryService) SaveSnapshot(ctx context.Context, docID string) error {
	if s.store == nil {
		return fmt.Errorf("snapshot %w", ErrStoreNotInitialized)
	}
	ds, err := s.getOrLoadDoc(ctx, docID)
	if err != nil {
		return err
	}
	ds.mu.RLock()
	content, rev := ds.buf.String(), ds.revision
	ds.mu.RUnlock()
	return s.store.SaveDocumentSnapshot(ctx, docID, rev, content)
}

func (s *InMemoryService) GetDocumentID(ctx context.Context, title string) (string, error) {
	if s.documentStore == nil {
		return "", fmt.Errorf("document %w", ErrStoreNotInitialized)
	}
	return s.documentStore.GetDocumentID(ctx, title)
}

func (s *InMemoryService) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	if s.documentStore == nil {
		return "", fmt.Errorf("document %w", ErrStoreNotInitialized)
	}
	return s.documentStore.CreateDocument(ctx, ownerID, title)
}
