package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kbswarm/agentstate/internal/content"
	"github.com/kbswarm/agentstate/internal/utils"
)

type ContentHandler struct {
	repo content.Repo
}

func NewContentHandler(repo content.Repo) *ContentHandler {
	return &ContentHandler{repo: repo}
}

func (h *ContentHandler) RootArticles(c *gin.Context) {
	var kbID int64
	if v := c.Query("knowledge_base_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, "ContentHandler.RootArticles", "bad knowledge_base_id", err))
			return
		}
		kbID = n
	}

	rows, err := h.repo.RootLevelArticles(c.Request.Context(), kbID)
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, "ContentHandler.RootArticles", "failed to list articles", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"articles": rows})
}

func (h *ContentHandler) ArticlesByParents(c *gin.Context) {
	raw := c.Query("parent_ids")
	if raw == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, "ContentHandler.ArticlesByParents", "parent_ids is required", nil))
		return
	}

	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, "ContentHandler.ArticlesByParents", "bad parent_ids", err))
			return
		}
		ids = append(ids, n)
	}

	rows, err := h.repo.ArticlesByParentIDs(c.Request.Context(), ids)
	if err != nil {
		writeError(c, utils.E(utils.CodeInternal, "ContentHandler.ArticlesByParents", "failed to list articles", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"articles": rows})
}
