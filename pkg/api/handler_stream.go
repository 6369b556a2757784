package api

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/pragnya-works/edward/pkg/config"
	"github.com/pragnya-works/edward/pkg/events"
)

const replayBatch = config.EventsPageLimit

// disconnectGrace is how long a run keeps going after its last stream
// subscriber drops, so a transient network blip does not kill the run.
var disconnectGrace = config.DisconnectGrace

// streamRun serves the run's event log over SSE. Persisted events are
// replayed first, starting after Last-Event-ID (or the lastSeq query
// parameter), then live notifications are relayed until the terminal
// meta event. Any gap or truncated notification falls back to the log.
func (s *Server) streamRun(c *gin.Context) {
	runID := c.Param("id")
	if _, err := s.runs.GetRun(c.Request.Context(), runID); err != nil {
		s.respondError(c, err)
		return
	}

	afterSeq, ok := s.parseAfterSeq(c)
	if !ok {
		return
	}

	// Subscribe before the replay so no event published during catch-up
	// is missed. Duplicates are filtered by seq below.
	sub, cancelSub := s.hub.Subscribe(events.RunChannel(runID))
	defer cancelSub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	seq, done, err := s.replayEvents(ctx, c.Writer, runID, afterSeq)
	if err != nil {
		s.logger.Warn("event replay aborted", "run_id", runID, "error", err)
		return
	}
	c.Writer.Flush()
	if done {
		return
	}

	for {
		select {
		case <-ctx.Done():
			cancelSub()
			go s.cancelAfterDisconnect(runID)
			return
		case n, open := <-sub.C():
			if !open {
				// Evicted for falling behind. The client reconnects
				// with its last seq and replays from the log.
				return
			}
			if n.Seq <= seq {
				continue
			}
			if n.Seq > seq+1 || n.Truncated || len(n.Event) == 0 {
				// Missing or oversized payloads are read back from the
				// persistent log, which also fills any seq gap.
				if seq, done, err = s.replayEvents(ctx, c.Writer, runID, seq); err != nil {
					s.logger.Warn("event catch-up aborted", "run_id", runID, "error", err)
					return
				}
				c.Writer.Flush()
				if done {
					return
				}
				continue
			}
			if err := writeEvent(c.Writer, n.Seq, n.EventType, n.Event); err != nil {
				return
			}
			c.Writer.Flush()
			seq = n.Seq
			if isSessionComplete(n.EventType, n.Event) {
				return
			}
		}
	}
}

// parseAfterSeq reads the resume position. Last-Event-ID wins over the
// lastSeq query parameter; absent both, the stream replays from the
// beginning (all seqs, which start at 0).
func (s *Server) parseAfterSeq(c *gin.Context) (int64, bool) {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("lastSeq")
	}
	if raw == "" {
		return -1, true
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		s.badRequest(c, "lastSeq must be a non-negative integer")
		return 0, false
	}
	return seq, true
}

// replayEvents streams persisted events after afterSeq and reports the
// last seq written and whether the terminal event was reached.
func (s *Server) replayEvents(ctx context.Context, w io.Writer, runID string, afterSeq int64) (int64, bool, error) {
	seq := afterSeq
	for {
		batch, err := s.eventLog.EventsAfter(ctx, runID, seq, replayBatch)
		if err != nil {
			return seq, false, err
		}
		for _, ev := range batch {
			if err := writeEvent(w, ev.Seq, ev.EventType, ev.Event); err != nil {
				return seq, false, err
			}
			seq = ev.Seq
			if isSessionComplete(ev.EventType, ev.Event) {
				return seq, true, nil
			}
		}
		if len(batch) < replayBatch {
			return seq, false, nil
		}
	}
}

func writeEvent(w io.Writer, seq int64, eventType string, payload json.RawMessage) error {
	return sse.Encode(w, sse.Event{
		Id:    strconv.FormatInt(seq, 10),
		Event: eventType,
		Data:  payload,
	})
}

func isSessionComplete(eventType string, payload []byte) bool {
	if eventType != events.EventTypeMeta {
		return false
	}
	var m struct {
		Phase string `json:"phase"`
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return false
	}
	return m.Phase == events.PhaseSessionComplete
}

// cancelAfterDisconnect cancels a still-active run once the grace period
// passes without any subscriber coming back.
func (s *Server) cancelAfterDisconnect(runID string) {
	time.Sleep(disconnectGrace)
	if s.hub.SubscriberCount(events.RunChannel(runID)) > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil || run.Terminal() {
		return
	}
	if _, err := s.runs.RequestCancel(ctx, runID); err != nil {
		s.logger.Warn("disconnect cancel failed", "run_id", runID, "error", err)
		return
	}
	s.canceller.CancelRun(runID)
	s.logger.Info("run cancelled after client disconnect", "run_id", runID)
}
