package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/loykin/devstack/internal/logstore"
)

// handleStream serves new log entries of one service as Server-Sent Events.
// Each entry is sent as "id: <id>" plus "data: <json>". A ": keep-alive"
// comment is written only after KeepAlive passes without a new entry.
func (r *Router) handleStream(c *gin.Context) {
	name := c.Query("name")
	if !r.known(name) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown_service"})
		return
	}
	lastID, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || lastID < 0 {
		lastID = 0
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		entries := r.logs.Since(name, lastID, logstore.DefaultSinceCap)
		if len(entries) > 0 {
			for _, e := range entries {
				if err := writeEvent(c.Writer, e); err != nil {
					return
				}
				lastID = e.ID
			}
			c.Writer.Flush()
			continue
		}
		if r.logs.WaitForNew(ctx, name, lastID, r.KeepAlive) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := io.WriteString(c.Writer, ": keep-alive\n\n"); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func writeEvent(w io.Writer, e logstore.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", e.ID, data)
	return err
}
