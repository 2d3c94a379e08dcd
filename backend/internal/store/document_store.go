package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"textcollab/backend/internal/collab"
)

var ErrDocumentNotFound = errors.New("document not found")

// Document 文档目录表，内容本身在快照表和内存里
type Document struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	OwnerID   uint64 `gorm:"index"`
	Title     string `gorm:"type:varchar(255);uniqueIndex"`
	Archived  bool   `gorm:"default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DocumentStore struct{ db *gorm.DB }

var _ collab.DocumentStore = (*DocumentStore)(nil)

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Document{})
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("title = ?", title).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: %q", ErrDocumentNotFound, title)
		}
		return "", err
	}
	return strconv.FormatUint(doc.ID, 10), nil
}

// CreateDocument 新建文档并返回自增 ID
func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	doc := Document{OwnerID: ownerID, Title: title}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return "", err
	}
	return strconv.FormatUint(doc.ID, 10), nil
}
