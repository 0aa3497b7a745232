package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/labxstream/internal/cluster"
	"github.com/coffersTech/labxstream/internal/model"
)

// handleIngest accepts one log object or an array of them. The batch is
// rejected as a whole when any item fails validation.
func (s *Server) handleIngest(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}

	p := s.parser.Get()
	defer s.parser.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}

	items := []*fastjson.Value{v}
	if v.Type() == fastjson.TypeArray {
		items = v.GetArray()
	}
	if len(items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no log entries"})
		return
	}

	var details []FieldError
	entries := make([]model.LogEntry, 0, len(items))
	for i, item := range items {
		if errs := validateItem(i, item); len(errs) > 0 {
			details = append(details, errs...)
			continue
		}
		entry, ok := s.norm.Normalize(item)
		if !ok {
			details = append(details, FieldError{Field: "timestamp", Message: "must be a valid timestamp", Index: i})
			continue
		}
		entries = append(entries, entry)
	}
	if len(details) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": details})
		return
	}

	relayed := c.GetHeader(cluster.RelayedHeader) != ""
	accepted := s.engine.Ingest(c.Request.Context(), entries, relayed)
	s.engine.SyncWAL()

	if accepted == nil {
		accepted = []model.LogEntry{}
	}
	c.JSON(http.StatusCreated, gin.H{
		"accepted": len(accepted),
		"records":  accepted,
	})
}
