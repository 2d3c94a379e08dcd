package collab

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"textcollab/backend/internal/ot/delta"
)

type memOpLog struct {
	mu  sync.Mutex
	ops map[string][]AppliedOp
}

func newMemOpLog() *memOpLog { return &memOpLog{ops: make(map[string][]AppliedOp)} }

func (l *memOpLog) Append(_ context.Context, docID string, op AppliedOp) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops[docID] = append(l.ops[docID], op)
	return nil
}

func (l *memOpLog) Range(_ context.Context, docID string, from uint64) ([]AppliedOp, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AppliedOp
	for _, op := range l.ops[docID] {
		if op.Revision > from {
			out = append(out, op)
		}
	}
	return out, nil
}

type memSnapshots struct {
	mu      sync.Mutex
	content map[string]string
	rev     map[string]uint64
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{content: make(map[string]string), rev: make(map[string]uint64)}
}

func (s *memSnapshots) SaveDocumentSnapshot(_ context.Context, docID string, rev uint64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[docID], s.rev[docID] = content, rev
	return nil
}

func (s *memSnapshots) LatestSnapshot(_ context.Context, docID string) (string, uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.rev[docID]
	return s.content[docID], rev, ok, nil
}

type memEvents struct {
	mu     sync.Mutex
	events []DocOpEvent
}

func (e *memEvents) Enqueue(_ context.Context, evt DocOpEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
	return nil
}

func insertAt(pos, total int, text string) delta.Delta {
	var d delta.Delta
	d.Retain(pos).Insert(text).Retain(total - pos)
	return d
}

func mustSubmit(t *testing.T, svc Service, req SubmitRequest) AppliedOp {
	t.Helper()
	op, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit(%+v) error = %v", req, err)
	}
	return op
}

func assertContent(t *testing.T, svc Service, docID, want string, wantRev uint64) {
	t.Helper()
	got, rev, err := svc.LoadDocumentContent(context.Background(), docID)
	if err != nil {
		t.Fatalf("LoadDocumentContent() error = %v", err)
	}
	if got != want || rev != wantRev {
		t.Fatalf("LoadDocumentContent() = (%q, %d), want (%q, %d)", got, rev, want, wantRev)
	}
}

func TestSubmitSequential(t *testing.T) {
	events := &memEvents{}
	svc := NewInMemoryService(nil, nil, nil, events, ServiceOptions{})
	op := mustSubmit(t, svc, SubmitRequest{DocID: "d", AuthorID: 1, ClientID: "c1", ClientSeq: 1, Ops: insertAt(0, 0, "hello")})
	if op.Revision != 1 || op.BaseRevision != 0 {
		t.Fatalf("Submit() revision = %d base = %d, want 1, 0", op.Revision, op.BaseRevision)
	}
	mustSubmit(t, svc, SubmitRequest{DocID: "d", AuthorID: 1, BaseRevision: 1, ClientID: "c1", ClientSeq: 2, Ops: insertAt(5, 5, " world")})
	assertContent(t, svc, "d", "hello world", 2)

	if len(events.events) != 2 || events.events[1].Revision != 2 || events.events[1].EventType != EventOpApplied {
		t.Fatalf("published events = %+v, want two OP_APPLIED with revision 2 last", events.events)
	}
}

func TestSubmitTransformsConcurrentOps(t *testing.T) {
	svc := NewInMemoryService(nil, nil, nil, nil, ServiceOptions{})
	mustSubmit(t, svc, SubmitRequest{DocID: "d", AuthorID: 1, Ops: insertAt(0, 0, "abcd")})

	// 两个客户端都基于版本 1 提交
	mustSubmit(t, svc, SubmitRequest{DocID: "d", AuthorID: 2, BaseRevision: 1, Ops: insertAt(0, 4, "x")})
	op := mustSubmit(t, svc, SubmitRequest{DocID: "d", AuthorID: 3, BaseRevision: 1, Ops: insertAt(4, 4, "y")})

	if want := insertAt(5, 5, "y"); !op.Ops.Equal(want) {
		t.Fatalf("applied ops = %s, want %s", op.Ops, want)
	}
	assertContent(t, svc, "d", "xabcdy", 3)
}

func TestSubmitTieBreak(t *testing.T) {
	svc := NewInMemoryService(nil, nil, nil, nil, ServiceOptions{})
	mustSubmit(t, svc, SubmitRequest{DocID: "d", Ops: insertAt(0, 0, "abcd")})
	mustSubmit(t, svc, SubmitRequest{DocID: "d", BaseRevision: 1, Ops: insertAt(2, 4, "A")})
	// 后到的操作作为左参数，同位置插入排在前面
	mustSubmit(t, svc, SubmitRequest{DocID: "d", BaseRevision: 1, Ops: insertAt(2, 4, "B")})
	assertContent(t, svc, "d", "abBAcd", 3)
}

func TestSubmitErrors(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(nil, nil, nil, nil, ServiceOptions{})
	mustSubmit(t, svc, SubmitRequest{DocID: "d", ClientID: "c1", ClientSeq: 1, Ops: insertAt(0, 0, "abc")})

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"duplicate seq", SubmitRequest{DocID: "d", BaseRevision: 1, ClientID: "c1", ClientSeq: 1, Ops: insertAt(0, 3, "x")}, ErrDuplicateOrOutOfOrder},
		{"future base", SubmitRequest{DocID: "d", BaseRevision: 5, Ops: insertAt(0, 3, "x")}, ErrRevisionConflict},
		{"bad length", SubmitRequest{DocID: "d", BaseRevision: 1, Ops: insertAt(0, 7, "x")}, ErrInvalidDelta},
		{"bad length against history", SubmitRequest{DocID: "d", BaseRevision: 0, Ops: insertAt(0, 2, "x")}, ErrInvalidDelta},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Submit(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}
	// 拒绝的操作不改变文档
	assertContent(t, svc, "d", "abc", 1)
}

func TestSubmitRevisionTooOld(t *testing.T) {
	svc := NewInMemoryService(nil, nil, nil, nil, ServiceOptions{RingCap: 2})
	for i := 0; i < 3; i++ {
		mustSubmit(t, svc, SubmitRequest{DocID: "d", BaseRevision: uint64(i), Ops: insertAt(i, i, "a")})
	}
	if _, err := svc.Submit(context.Background(), SubmitRequest{DocID: "d", BaseRevision: 0, Ops: insertAt(0, 0, "x")}); !errors.Is(err, ErrRevisionTooOld) {
		t.Fatalf("Submit() error = %v, want ErrRevisionTooOld", err)
	}
	// 环形缓冲还覆盖的版本可以提交
	mustSubmit(t, svc, SubmitRequest{DocID: "d", BaseRevision: 1, Ops: insertAt(0, 1, "x")})
	assertContent(t, svc, "d", "xaaa", 4)
}

func TestSubmitFallsBackToOpLog(t *testing.T) {
	opLog := newMemOpLog()
	svc := NewInMemoryService(nil, nil, opLog, nil, ServiceOptions{RingCap: 1})
	for i := 0; i < 3; i++ {
		mustSubmit(t, svc, SubmitRequest{DocID: "d", BaseRevision: uint64(i), Ops: insertAt(i, i, "a")})
	}
	mustSubmit(t, svc, SubmitRequest{DocID: "d", BaseRevision: 0, Ops: insertAt(0, 0, "x")})
	assertContent(t, svc, "d", "xaaa", 4)

	ops, err := svc.OpsSince(context.Background(), "d", 1, 2)
	if err != nil {
		t.Fatalf("OpsSince() error = %v", err)
	}
	if len(ops) != 2 || ops[0].Revision != 2 || ops[1].Revision != 3 {
		t.Fatalf("OpsSince(1, 2) = %+v, want revisions 2,3", ops)
	}
}

func TestUndo(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(nil, nil, nil, nil, ServiceOptions{})
	mustSubmit(t, svc, SubmitRequest{DocID: "d", AuthorID: 1, Ops: insertAt(0, 0, "abc")})
	mustSubmit(t, svc, SubmitRequest{DocID: "d", AuthorID: 2, BaseRevision: 1, Ops: insertAt(0, 3, "X")})
	mustSubmit(t, svc, SubmitRequest{DocID: "d", AuthorID: 2, BaseRevision: 2, Ops: insertAt(4, 4, "Y")})

	if _, err := svc.Undo(ctx, UndoRequest{DocID: "d", AuthorID: 2, Revision: 1}); !errors.Is(err, ErrUndoForbidden) {
		t.Fatalf("Undo(other author) error = %v, want ErrUndoForbidden", err)
	}
	if _, err := svc.Undo(ctx, UndoRequest{DocID: "d", AuthorID: 1, Revision: 9}); !errors.Is(err, ErrOpNotFound) {
		t.Fatalf("Undo(missing) error = %v, want ErrOpNotFound", err)
	}

	op, err := svc.Undo(ctx, UndoRequest{DocID: "d", AuthorID: 1, Revision: 1})
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if op.Revision != 4 {
		t.Fatalf("Undo() revision = %d, want 4", op.Revision)
	}
	assertContent(t, svc, "d", "XY", 4)

	// 撤销本身也可以再撤销
	if _, err := svc.Undo(ctx, UndoRequest{DocID: "d", AuthorID: 1, Revision: 4}); err != nil {
		t.Fatalf("Undo(undo) error = %v", err)
	}
	assertContent(t, svc, "d", "XabcY", 5)
}

func TestDeltaSince(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(nil, nil, nil, nil, ServiceOptions{})
	mustSubmit(t, svc, SubmitRequest{DocID: "d", Ops: insertAt(0, 0, "hello")})
	mustSubmit(t, svc, SubmitRequest{DocID: "d", BaseRevision: 1, Ops: insertAt(5, 5, " world")})
	var del delta.Delta
	del.Delete(1).Insert("H").Retain(10)
	mustSubmit(t, svc, SubmitRequest{DocID: "d", BaseRevision: 2, Ops: del})

	d, rev, err := svc.DeltaSince(ctx, "d", 1)
	if err != nil {
		t.Fatalf("DeltaSince() error = %v", err)
	}
	if rev != 3 {
		t.Fatalf("DeltaSince() revision = %d, want 3", rev)
	}
	got, err := d.Apply("hello")
	if err != nil || got != "Hello world" {
		t.Fatalf("DeltaSince(1).Apply(hello) = (%q, %v), want Hello world", got, err)
	}

	d, _, err = svc.DeltaSince(ctx, "d", 3)
	if err != nil {
		t.Fatalf("DeltaSince(current) error = %v", err)
	}
	if !d.IsNoop() || d.BaseLen() != 11 {
		t.Fatalf("DeltaSince(current) = %s, want retain 11", d)
	}
	if _, _, err := svc.DeltaSince(ctx, "d", 4); !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("DeltaSince(future) error = %v, want ErrRevisionConflict", err)
	}
}

func TestOpenFromSnapshot(t *testing.T) {
	ctx := context.Background()
	snaps := newMemSnapshots()
	_ = snaps.SaveDocumentSnapshot(ctx, "d", 7, "hello")
	svc := NewInMemoryService(snaps, nil, nil, nil, ServiceOptions{})

	assertContent(t, svc, "d", "hello", 7)
	mustSubmit(t, svc, SubmitRequest{DocID: "d", BaseRevision: 7, Ops: insertAt(5, 5, "!")})
	if err := svc.SaveSnapshot(ctx, "d"); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	content, rev, found, _ := snaps.LatestSnapshot(ctx, "d")
	if !found || content != "hello!" || rev != 8 {
		t.Fatalf("LatestSnapshot() = (%q, %d, %v), want (hello!, 8, true)", content, rev, found)
	}
	// 快照之前的版本已经不在内存里
	if _, err := svc.Submit(ctx, SubmitRequest{DocID: "d", BaseRevision: 6, Ops: insertAt(0, 5, "x")}); !errors.Is(err, ErrRevisionTooOld) {
		t.Fatalf("Submit(before snapshot) error = %v, want ErrRevisionTooOld", err)
	}
}

// 重启后从快照开始，把快照之后落进操作日志的操作补回来
func TestRestartReplaysOpLogTail(t *testing.T) {
	ctx := context.Background()
	snaps, opLog := newMemSnapshots(), newMemOpLog()
	first := NewInMemoryService(snaps, nil, opLog, nil, ServiceOptions{})
	mustSubmit(t, first, SubmitRequest{DocID: "d", AuthorID: 1, ClientID: "c1", ClientSeq: 1, Ops: insertAt(0, 0, "abc")})
	if err := first.SaveSnapshot(ctx, "d"); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	mustSubmit(t, first, SubmitRequest{DocID: "d", AuthorID: 1, BaseRevision: 1, ClientID: "c1", ClientSeq: 2, Ops: insertAt(3, 3, "d")})
	mustSubmit(t, first, SubmitRequest{DocID: "d", AuthorID: 2, BaseRevision: 2, ClientID: "c2", ClientSeq: 1, Ops: insertAt(0, 4, "X")})

	second := NewInMemoryService(snaps, nil, opLog, nil, ServiceOptions{})
	assertContent(t, second, "d", "Xabcd", 3)

	// 基于快照版本的提交要变换过重放的两条
	op := mustSubmit(t, second, SubmitRequest{DocID: "d", AuthorID: 3, BaseRevision: 1, Ops: insertAt(3, 3, "!")})
	if op.Revision != 4 {
		t.Fatalf("Submit() revision = %d, want 4", op.Revision)
	}
	assertContent(t, second, "d", "Xabc!d", 4)

	// 去重窗口也一起恢复
	if _, err := second.Submit(ctx, SubmitRequest{DocID: "d", BaseRevision: 4, ClientID: "c1", ClientSeq: 2, Ops: insertAt(0, 6, "y")}); !errors.Is(err, ErrDuplicateOrOutOfOrder) {
		t.Fatalf("Submit(replayed seq) error = %v, want ErrDuplicateOrOutOfOrder", err)
	}
	// 重放回来的操作可以撤销
	if _, err := second.Undo(ctx, UndoRequest{DocID: "d", AuthorID: 2, Revision: 3}); err != nil {
		t.Fatalf("Undo(replayed) error = %v", err)
	}
	assertContent(t, second, "d", "abc!d", 5)
}

func TestRestartRejectsOpLogGap(t *testing.T) {
	ctx := context.Background()
	snaps, opLog := newMemSnapshots(), newMemOpLog()
	_ = snaps.SaveDocumentSnapshot(ctx, "d", 1, "abc")
	_ = opLog.Append(ctx, "d", AppliedOp{Revision: 3, Ops: insertAt(0, 3, "x")})

	svc := NewInMemoryService(snaps, nil, opLog, nil, ServiceOptions{})
	if _, _, err := svc.LoadDocumentContent(ctx, "d"); !errors.Is(err, ErrOpLogGap) {
		t.Fatalf("LoadDocumentContent() error = %v, want ErrOpLogGap", err)
	}
}

func TestRestartSkipsEntriesCoveredBySnapshot(t *testing.T) {
	ctx := context.Background()
	snaps, opLog := newMemSnapshots(), newMemOpLog()
	_ = snaps.SaveDocumentSnapshot(ctx, "d", 2, "ab")
	// 旧条目和重复写入的条目都不能重放第二次
	_ = opLog.Append(ctx, "d", AppliedOp{Revision: 2, Ops: insertAt(1, 1, "b")})
	_ = opLog.Append(ctx, "d", AppliedOp{Revision: 3, Ops: insertAt(2, 2, "c")})
	opLog.ops["d"] = append(opLog.ops["d"], opLog.ops["d"][1])

	svc := NewInMemoryService(snaps, nil, opLog, nil, ServiceOptions{})
	assertContent(t, svc, "d", "abc", 3)
}

// 操作日志里有重复条目时不能拿来变换，宁可报版本太旧
func TestHistoryRejectsNonContiguousOpLog(t *testing.T) {
	ctx := context.Background()
	opLog := newMemOpLog()
	svc := NewInMemoryService(nil, nil, opLog, nil, ServiceOptions{RingCap: 1})
	for i := 0; i < 3; i++ {
		mustSubmit(t, svc, SubmitRequest{DocID: "d", BaseRevision: uint64(i), Ops: insertAt(i, i, "a")})
	}
	// 版本 2 被一条重复的版本 1 顶掉：首尾版本都对，中间断了
	opLog.mu.Lock()
	opLog.ops["d"][1] = opLog.ops["d"][0]
	opLog.mu.Unlock()

	if _, err := svc.Submit(ctx, SubmitRequest{DocID: "d", BaseRevision: 0, Ops: insertAt(0, 0, "x")}); !errors.Is(err, ErrRevisionTooOld) {
		t.Fatalf("Submit() error = %v, want ErrRevisionTooOld", err)
	}
	assertContent(t, svc, "d", "aaa", 3)
}

func TestOperationIDsAreUniqueAcrossDocuments(t *testing.T) {
	svc := NewInMemoryService(nil, nil, nil, nil, ServiceOptions{})
	seen := make(map[string]bool)
	for _, doc := range []string{"d1", "d2", "d3"} {
		op := mustSubmit(t, svc, SubmitRequest{DocID: doc, Ops: insertAt(0, 0, "a")})
		if seen[op.OperationID] {
			t.Fatalf("OperationID %q reused", op.OperationID)
		}
		seen[op.OperationID] = true
		if want := fmt.Sprintf("%s-1-", doc); len(op.OperationID) <= len(want) || op.OperationID[:len(want)] != want {
			t.Fatalf("OperationID = %q, want prefix %q", op.OperationID, want)
		}
	}
}

func TestStoresNotInitialized(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(nil, nil, nil, nil, ServiceOptions{})
	if err := svc.SaveSnapshot(ctx, "d"); !errors.Is(err, ErrStoreNotInitialized) {
		t.Fatalf("SaveSnapshot() error = %v, want ErrStoreNotInitialized", err)
	}
	if _, err := svc.CreateDocument(ctx, 1, "t"); !errors.Is(err, ErrStoreNotInitialized) {
		t.Fatalf("CreateDocument() error = %v, want ErrStoreNotInitialized", err)
	}
	if _, err := svc.GetDocumentID(ctx, "t"); !errors.Is(err, ErrStoreNotInitialized) {
		t.Fatalf("GetDocumentID() error = %v, want ErrStoreNotInitialized", err)
	}
}

// 客户端在旧版本上编辑，服务端变换后，客户端按同样规则变换服务端操作，两边内容一致
func TestRandomClientsConverge(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	svc := NewInMemoryService(nil, nil, nil, nil, ServiceOptions{RingCap: 16})
	history := []string{""}

	for step := 0; step < 300; step++ {
		rev := uint64(len(history) - 1)
		base := rev - uint64(rng.Intn(int(min(rev, 8))+1))
		local := randomEdit(rng, history[base])

		concurrent, _, err := svc.DeltaSince(ctx, "d", base)
		if err != nil {
			t.Fatalf("step %d: DeltaSince() error = %v", step, err)
		}
		op, err := svc.Submit(ctx, SubmitRequest{DocID: "d", BaseRevision: base, Ops: local})
		if err != nil {
			t.Fatalf("step %d: Submit() error = %v", step, err)
		}
		server, _, _ := svc.LoadDocumentContent(ctx, "d")

		if got, err := op.Ops.Apply(history[rev]); err != nil || got != server {
			t.Fatalf("step %d: applied op on previous content = (%q, %v), want %q", step, got, err, server)
		}
		if got, err := op.Inverse.Apply(server); err != nil || got != history[rev] {
			t.Fatalf("step %d: inverse = (%q, %v), want %q", step, got, err, history[rev])
		}

		_, remote, err := delta.Transform(local, concurrent)
		if err != nil {
			t.Fatalf("step %d: Transform() error = %v", step, err)
		}
		mine, _ := local.Apply(history[base])
		client, err := remote.Apply(mine)
		if err != nil || client != server {
			t.Fatalf("step %d: client = (%q, %v), server = %q", step, client, err, server)
		}
		history = append(history, server)
	}
}

func TestConcurrentSubmit(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(nil, nil, nil, nil, ServiceOptions{RingCap: 8})
	const workers, perWorker = 8, 25

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			clientID := fmt.Sprintf("client-%d", w)
			for i := 1; i <= perWorker; i++ {
				content, rev, err := svc.LoadDocumentContent(ctx, "d")
				if err != nil {
					errs <- err
					return
				}
				n := len([]rune(content))
				_, err = svc.Submit(ctx, SubmitRequest{
					DocID:        "d",
					AuthorID:     uint64(w),
					BaseRevision: rev,
					ClientID:     clientID,
					ClientSeq:    uint64(i),
					Ops:          insertAt(rng.Intn(n+1), n, "x"),
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Submit() error = %v", err)
	}

	content, rev, _ := svc.LoadDocumentContent(ctx, "d")
	if rev != workers*perWorker || len(content) != workers*perWorker {
		t.Fatalf("final revision %d length %d, want %d", rev, len(content), workers*perWorker)
	}
}

func TestOnAppliedSeesRevisionsInOrder(t *testing.T) {
	ctx := context.Background()
	// 钩子在文档写锁内调用，这里不用另外加锁
	var revs []uint64
	svc := NewInMemoryService(nil, nil, nil, nil, ServiceOptions{OnApplied: func(_ context.Context, docID string, op AppliedOp) {
		if docID == "d" {
			revs = append(revs, op.Revision)
		}
	}})
	const workers, perWorker = 6, 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				// 都基于版本 0 提交，靠服务端变换
				if _, err := svc.Submit(ctx, SubmitRequest{DocID: "d", Ops: insertAt(0, 0, "x")}); err != nil {
					t.Errorf("Submit() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(revs) != workers*perWorker {
		t.Fatalf("hook called %d times, want %d", len(revs), workers*perWorker)
	}
	for i, rev := range revs {
		if rev != uint64(i+1) {
			t.Fatalf("hook revision #%d = %d, want %d", i, rev, i+1)
		}
	}
}
