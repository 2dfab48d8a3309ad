package boardgrp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chainpaint/chainpaint/business/core/board"
	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/chainpaint/chainpaint/foundation/web"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// clientSchema constrains what clients may send on the stream socket. Frames
// outside the schema are ignored.
const clientSchema = `{
	"type": "object",
	"properties": {
		"type": {"const": "catch_up"},
		"since_timestamp_ms": {"type": "integer", "minimum": 0}
	},
	"required": ["type", "since_timestamp_ms"]
}`

var clientMessageSchema = jsonschema.MustCompileString("client.json", clientSchema)

// Events handles a web socket to stream applied draw events to a client.
// An incoming catch_up frame replays missed events from the recent set
// before the live tail resumes.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Hub.Acquire(v.TraceID)
	defer h.Hub.Release(v.TraceID)

	// Read pump: the only client message is a catch-up request.
	catchUps := make(chan uint64, 4)
	go func() {
		defer close(catchUps)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if since, ok := parseCatchUp(data); ok {
				select {
				case catchUps <- since:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// Keys of events delivered via catch-up, so the same event arriving on
	// the live channel is not delivered twice.
	seen := make(map[string]bool)

	for {
		select {
		case since, wd := <-catchUps:
			if !wd {
				return nil
			}
			if err := h.catchUp(ctx, c, since, seen); err != nil {
				return nil
			}

		case msg, wd := <-ch:
			if !wd {

				// The hub dropped us for falling behind, or is shutting
				// down. Either way this is a normal disconnect.
				return nil
			}

			if key := dedupKey(msg); key != "" && seen[key] {
				delete(seen, key)
				continue
			}

			c.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return nil
			}

		case <-ticker.C:
			c.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// catchUp replays all recent events newer than since, oldest first.
func (h Handlers) catchUp(ctx context.Context, c *websocket.Conn, since uint64, seen map[string]bool) error {
	entries, err := h.KV.ZRangeByScore(ctx, kvstore.EventsRecent, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", since),
		Max: "+inf",
	}).Result()
	if err != nil {
		h.Log.Errorw("boardgrp: catch up", "ERROR", err)
		return nil
	}

	for _, entry := range entries {
		if key := dedupKey(entry); key != "" {
			seen[key] = true
		}

		c.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := c.WriteMessage(websocket.TextMessage, []byte(entry)); err != nil {
			return err
		}
	}

	return nil
}

// parseCatchUp validates and parses a client frame.
func parseCatchUp(data []byte) (uint64, bool) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, false
	}
	if err := clientMessageSchema.Validate(raw); err != nil {
		return 0, false
	}

	var msg catchUp
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, false
	}

	return msg.SinceTimestampMs, true
}

// dedupKey identifies a draw message by its block timestamp, signer, and
// first pixel coordinate. Non-draw messages have no key.
func dedupKey(msg string) string {
	var dm board.DrawMessage
	if err := json.Unmarshal([]byte(msg), &dm); err != nil {
		return ""
	}
	if dm.Type != board.TypeDraw || len(dm.Pixels) == 0 {
		return ""
	}

	return fmt.Sprintf("%d|%s|%d,%d", dm.BlockTimestampMs, dm.Signer, dm.Pixels[0].X, dm.Pixels[0].Y)
}
