package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/supercheck-io/supercheck-sub009/telemetry"
)

// streamCapacity serves the per-organization capacity stream over
// Server-Sent Events.
//
// Session shape: a full snapshot immediately on connect, a delta
// snapshot after every observed run event (deduplicated against the last
// sent serialization), an unconditional snapshot refresh on a slow
// ticker, and a comment heartbeat on a faster one so idle proxies keep
// the connection open. Sessions are finite: at MaxSessionDuration the
// server pushes a reconnect message and closes, shedding zombie
// connections. Transport disconnect tears everything down synchronously.
func (s *Server) streamCapacity(c *gin.Context) {
	orgID := c.Param("orgId")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "streaming unsupported"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// Reconnect hint for the EventSource client.
	fmt.Fprintf(c.Writer, "retry: %d\n\n", 3000)

	subID := fmt.Sprintf("sse-%s-%d", orgID, time.Now().UnixNano())
	sub := s.pub.Subscribe(subID, telemetry.OrgTopic(orgID))
	defer s.pub.RemoveSubscriber(subID)

	refresh := time.NewTicker(s.cfg.SnapshotRefresh)
	defer refresh.Stop()
	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()
	session := time.NewTimer(s.cfg.MaxSessionDuration)
	defer session.Stop()

	var lastSent []byte
	send := func(force bool) bool {
		snap, err := s.ctrl.Snapshot(c.Request.Context(), orgID)
		if err != nil {
			s.logger.Warn("stream snapshot failed",
				slog.String("org_id", orgID),
				slog.String("error", err.Error()),
			)
			return true // transient, keep the session
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return true
		}
		if !force && string(data) == string(lastSent) {
			return true // unchanged, suppress the duplicate
		}
		lastSent = data
		if _, werr := fmt.Fprintf(c.Writer, "event: capacity\ndata: %s\n\n", data); werr != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(true) {
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			// Client gone. The deferred teardown stops both tickers and
			// closes the subscription before this handler returns.
			return

		case _, open := <-sub.C():
			if !open {
				return
			}
			if !send(false) {
				return
			}

		case <-refresh.C:
			if !send(true) {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-session.C:
			// Session lifetime reached. Tell the client to come back and
			// close cleanly.
			msg, _ := json.Marshal(gin.H{
				"type":             "reconnect",
				"reconnectAfterMs": 1000,
			})
			fmt.Fprintf(c.Writer, "event: reconnect\ndata: %s\n\n", msg)
			flusher.Flush()
			return
		}
	}
}
