// Package content is the read-only collaborator over the pipeline's content
// hierarchy. The state core treats article and knowledge-base ids as opaque
// strings; these queries exist to resolve them for callers.
package content

import (
	"github.com/lib/pq"
)

type KnowledgeBase struct {
	ID          int64  `gorm:"column:id;primaryKey" json:"id"`
	Name        string `gorm:"column:name;size:255;not null" json:"name"`
	Description string `gorm:"column:description" json:"description"`
}

func (KnowledgeBase) TableName() string { return "knowledge_bases" }

type Article struct {
	ID              int64          `gorm:"column:id;primaryKey" json:"id"`
	KnowledgeBaseID int64          `gorm:"column:knowledge_base_id;index" json:"knowledge_base_id"`
	Title           string         `gorm:"column:title;size:255;not null" json:"title"`
	Content         string         `gorm:"column:content" json:"content"`
	AuthorID        int64          `gorm:"column:author_id" json:"author_id"`
	ParentID        *int64         `gorm:"column:parent_id;index" json:"parent_id"`
	Tags            pq.StringArray `gorm:"column:tags;type:text[]" json:"tags"`
}

func (Article) TableName() string { return "articles" }
