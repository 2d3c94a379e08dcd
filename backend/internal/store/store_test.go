package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// 需要一个可写的 MySQL，例如 TEXTCOLLAB_TEST_DSN="root:pw@tcp(127.0.0.1:3306)/textcollab_test?parseTime=true"
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEXTCOLLAB_TEST_DSN")
	if dsn == "" {
		t.Skip("skip: TEXTCOLLAB_TEST_DSN not set")
	}
	return dsn
}

func TestSnapshotStoreLatest(t *testing.T) {
	dsn := testDSN(t)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS document_snapshots (
		document_id VARCHAR(64) NOT NULL,
		revision BIGINT UNSIGNED NOT NULL,
		content LONGTEXT NOT NULL,
		PRIMARY KEY (document_id, revision))`); err != nil {
		t.Fatalf("create table error = %v", err)
	}
	docID := "snap-" + time.Now().Format("150405.000000")
	defer db.ExecContext(ctx, `DELETE FROM document_snapshots WHERE document_id = ?`, docID)

	s := NewSnapshotStore(db)
	if _, _, found, err := s.LatestSnapshot(ctx, docID); err != nil || found {
		t.Fatalf("LatestSnapshot(empty) = found %v, err %v", found, err)
	}
	for rev, content := range map[uint64]string{1: "a", 3: "abc", 2: "ab"} {
		if err := s.SaveDocumentSnapshot(ctx, docID, rev, content); err != nil {
			t.Fatalf("SaveDocumentSnapshot(%d) error = %v", rev, err)
		}
	}
	// 重复保存同一版本不报错
	if err := s.SaveDocumentSnapshot(ctx, docID, 3, "abc"); err != nil {
		t.Fatalf("duplicate SaveDocumentSnapshot error = %v", err)
	}
	content, rev, found, err := s.LatestSnapshot(ctx, docID)
	if err != nil || !found || rev != 3 || content != "abc" {
		t.Fatalf("LatestSnapshot() = (%q, %d, %v, %v), want (abc, 3, true, nil)", content, rev, found, err)
	}
}

func TestDocumentStore(t *testing.T) {
	db, err := InitMySQL(testDSN(t))
	if err != nil {
		t.Fatalf("InitMySQL() error = %v", err)
	}
	s := NewDocumentStore(db)
	if err := s.AutoMigrate(); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}
	ctx := context.Background()
	title := "doc-" + time.Now().Format("150405.000000")
	defer db.Where("title = ?", title).Delete(&Document{})

	if _, err := s.GetDocumentID(ctx, title); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("GetDocumentID(missing) error = %v, want ErrDocumentNotFound", err)
	}
	id, err := s.CreateDocument(ctx, 7, title)
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	got, err := s.GetDocumentID(ctx, title)
	if err != nil || got != id {
		t.Fatalf("GetDocumentID() = (%q, %v), want %q", got, err, id)
	}
}
