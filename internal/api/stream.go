package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/ordersync/internal/model"
	"github.com/roach88/ordersync/internal/mux"
)

// streamEvent is the data of one server-sent event.
type streamEvent struct {
	Table   model.EntityType `json:"table"`
	Op      string           `json:"op,omitempty"`
	ID      string           `json:"id,omitempty"`
	Version int64            `json:"version,omitempty"`
	Entity  model.Entity     `json:"entity,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func toStreamEvent(ev mux.Event) streamEvent {
	out := streamEvent{Table: ev.Table}
	switch ev.Kind {
	case mux.KindChange:
		out.Op = string(ev.Change.Op)
		out.ID = ev.Change.ID()
		out.Version = ev.Change.Version()
		out.Entity = ev.Change.New
	case mux.KindDegraded:
		if ev.Err != nil {
			out.Error = ev.Err.Error()
		}
	}
	return out
}

// stream relays multiplexer events as server-sent events. A client that falls
// streamBuffer events behind is disconnected and expected to reconnect and
// re-read what it needs.
func (s *Server) stream(c *gin.Context) {
	table := model.EntityType(c.Param("table"))
	if !table.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown table " + string(table)})
		return
	}

	events := make(chan mux.Event, streamBuffer)
	overflow := make(chan struct{})
	var overflowed bool
	unsubscribe, err := s.engine.Subscribe(table, func(ev mux.Event) {
		if overflowed {
			return
		}
		select {
		case events <- ev:
		default:
			overflowed = true
			close(overflow)
		}
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"table": table})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-overflow:
			c.SSEvent("overflow", gin.H{"table": table})
			return false
		case ev := <-events:
			c.SSEvent(ev.Kind.String(), toStreamEvent(ev))
			return true
		}
	})
}
