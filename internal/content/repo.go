package content

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/kbswarm/agentstate/internal/utils"
)

type Repo interface {
	RootLevelArticles(ctx context.Context, knowledgeBaseID int64) ([]Article, error)
	ArticlesByParentIDs(ctx context.Context, parentIDs []int64) ([]Article, error)
	KnowledgeBase(ctx context.Context, id int64) (*KnowledgeBase, error)
}

type repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) Repo {
	return &repo{db: db}
}

func (r *repo) RootLevelArticles(ctx context.Context, knowledgeBaseID int64) ([]Article, error) {
	var rows []Article
	q := r.db.WithContext(ctx).Where("parent_id IS NULL")
	if knowledgeBaseID != 0 {
		q = q.Where("knowledge_base_id = ?", knowledgeBaseID)
	}
	err := q.Order("id").Find(&rows).Error
	return rows, err
}

func (r *repo) ArticlesByParentIDs(ctx context.Context, parentIDs []int64) ([]Article, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	var rows []Article
	err := r.db.WithContext(ctx).
		Where("parent_id IN ?", parentIDs).
		Order("id").
		Find(&rows).Error
	return rows, err
}

func (r *repo) KnowledgeBase(ctx context.Context, id int64) (*KnowledgeBase, error) {
	var row KnowledgeBase
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
