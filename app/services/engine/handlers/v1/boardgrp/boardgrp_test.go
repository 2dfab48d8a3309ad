package boardgrp_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chainpaint/chainpaint/app/services/engine/handlers"
	"github.com/chainpaint/chainpaint/business/core/board"
	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/chainpaint/chainpaint/foundation/canvas"
	"github.com/chainpaint/chainpaint/foundation/events"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

type testAPI struct {
	srv *httptest.Server
	kv  *redis.Client
	hub *events.Hub
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	mr := miniredis.RunT(t)

	kv := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { kv.Close() })

	hub := events.New()
	t.Cleanup(hub.Shutdown)

	mux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: make(chan os.Signal, 1),
		Log:      zap.NewNop().Sugar(),
		KV:       kv,
		Hub:      hub,
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, kv: kv, hub: hub}
}

func (ta *testAPI) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(ta.srv.URL + path)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to call %s: %v", failed, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to read the response: %v", failed, err)
	}

	return resp, body
}

// =============================================================================

func Test_RegionEndpoint(t *testing.T) {
	t.Log("Given the need to serve region blobs.")
	{
		ta := newTestAPI(t)
		ctx := context.Background()

		t.Logf("\tTest 0:\tWhen the region has never been drawn on.")
		{
			resp, body := ta.get(t, "/api/region/0/0")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("\t%s\tTest 0:\tShould get status 200, got %d", failed, resp.StatusCode)
			}
			if len(body) != canvas.RegionBlobSize {
				t.Fatalf("\t%s\tTest 0:\tShould get %d bytes, got %d", failed, canvas.RegionBlobSize, len(body))
			}
			t.Logf("\t%s\tTest 0:\tShould get the full zero blob.", success)

			for _, b := range body[:64] {
				if b != 0 {
					t.Fatalf("\t%s\tTest 0:\tShould get zero bytes for a missing region.", failed)
				}
			}

			if got := resp.Header.Get("X-Last-Updated"); got != "0" {
				t.Fatalf("\t%s\tTest 0:\tShould get X-Last-Updated 0, got %q", failed, got)
			}
			t.Logf("\t%s\tTest 0:\tShould get X-Last-Updated 0.", success)

			if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/octet-stream") {
				t.Fatalf("\t%s\tTest 0:\tShould get octet-stream content, got %q", failed, got)
			}
			t.Logf("\t%s\tTest 0:\tShould get octet-stream content.", success)
		}

		t.Logf("\tTest 1:\tWhen the region has pixel data.")
		{
			blob := make([]byte, canvas.RegionBlobSize)
			canvas.Pixel{R: 0xAB, G: 0xCD, B: 0xEF, Owner: 7}.Encode(blob[0:6])
			if err := ta.kv.Set(ctx, kvstore.RegionKey(-2, 3), blob, 0).Err(); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to seed the region: %v", failed, err)
			}
			if err := ta.kv.HSet(ctx, kvstore.RegionMetaKey(-2, 3), "last_updated", 12345).Err(); err != nil {
				t.Fatalf("\t%s\tTest 1:\tShould be able to seed the meta: %v", failed, err)
			}

			resp, body := ta.get(t, "/api/region/-2/3")
			if resp.StatusCode != http.StatusOK || len(body) != canvas.RegionBlobSize {
				t.Fatalf("\t%s\tTest 1:\tShould get the full blob.", failed)
			}

			px := canvas.DecodePixel(body[0:6])
			if px.R != 0xAB || px.Owner != 7 {
				t.Fatalf("\t%s\tTest 1:\tShould get the stored pixel back: %+v", failed, px)
			}
			t.Logf("\t%s\tTest 1:\tShould get the stored pixel back.", success)

			if got := resp.Header.Get("X-Last-Updated"); got != "12345" {
				t.Fatalf("\t%s\tTest 1:\tShould get X-Last-Updated 12345, got %q", failed, got)
			}
			t.Logf("\t%s\tTest 1:\tShould get X-Last-Updated 12345.", success)
		}

		t.Logf("\tTest 2:\tWhen the coordinates are not integers.")
		{
			resp, _ := ta.get(t, "/api/region/abc/0")
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("\t%s\tTest 2:\tShould get status 400, got %d", failed, resp.StatusCode)
			}
			t.Logf("\t%s\tTest 2:\tShould get status 400.", success)
		}
	}
}

func Test_RegionsBatch(t *testing.T) {
	t.Log("Given the need to serve batched region metadata.")
	{
		ta := newTestAPI(t)
		ctx := context.Background()

		if err := ta.kv.HSet(ctx, kvstore.RegionMetaKey(1, 2), "last_updated", 777).Err(); err != nil {
			t.Fatalf("\t%s\tShould be able to seed the meta: %v", failed, err)
		}

		resp, body := ta.get(t, "/api/regions?coords=1,2,5,5")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("\t%s\tShould get status 200, got %d", failed, resp.StatusCode)
		}

		var metas []struct {
			RX          int32  `json:"rx"`
			RY          int32  `json:"ry"`
			LastUpdated uint64 `json:"last_updated"`
		}
		if err := json.Unmarshal(body, &metas); err != nil {
			t.Fatalf("\t%s\tShould get a JSON array: %v", failed, err)
		}

		if len(metas) != 2 || metas[0].RX != 1 || metas[0].LastUpdated != 777 || metas[1].RX != 5 || metas[1].LastUpdated != 0 {
			t.Fatalf("\t%s\tShould get the metas in requested order: %+v", failed, metas)
		}
		t.Logf("\t%s\tShould get the metas in requested order.", success)

		resp, _ = ta.get(t, "/api/regions?coords=1,2,3")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("\t%s\tShould reject an odd coordinate list, got %d", failed, resp.StatusCode)
		}
		t.Logf("\t%s\tShould reject an odd coordinate list.", success)
	}
}

func Test_RegionTimestamps(t *testing.T) {
	t.Log("Given the need to serve fresh pixel timestamps.")
	{
		ta := newTestAPI(t)
		ctx := context.Background()

		nowNs := time.Now().UnixNano()
		fresh := float64(nowNs - int64(time.Minute))
		stale := float64(nowNs - 2*int64(time.Hour))

		if err := ta.kv.ZAdd(ctx, kvstore.PixelTSKey(0, 0),
			redis.Z{Score: fresh, Member: "3,4"},
			redis.Z{Score: stale, Member: "9,9"},
		).Err(); err != nil {
			t.Fatalf("\t%s\tShould be able to seed timestamps: %v", failed, err)
		}

		resp, body := ta.get(t, "/api/region/0/0/timestamps")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("\t%s\tShould get status 200, got %d", failed, resp.StatusCode)
		}

		var triples [][3]int64
		if err := json.Unmarshal(body, &triples); err != nil {
			t.Fatalf("\t%s\tShould get triples: %v", failed, err)
		}

		if len(triples) != 1 {
			t.Fatalf("\t%s\tShould only include entries inside the window, have %d", failed, len(triples))
		}
		t.Logf("\t%s\tShould only include entries inside the window.", success)

		if triples[0][0] != 3 || triples[0][1] != 4 || triples[0][2] != int64(fresh)/1_000_000 {
			t.Fatalf("\t%s\tShould report [lx, ly, ts_ms]: %+v", failed, triples[0])
		}
		t.Logf("\t%s\tShould report [lx, ly, ts_ms].", success)
	}
}

func Test_OpenRegionsAndAccount(t *testing.T) {
	t.Log("Given the need to serve the open set and account lookups.")
	{
		ta := newTestAPI(t)
		ctx := context.Background()

		if err := ta.kv.SAdd(ctx, kvstore.OpenRegions, "0:0", "-1:2").Err(); err != nil {
			t.Fatalf("\t%s\tShould be able to seed open regions: %v", failed, err)
		}
		if err := ta.kv.HSet(ctx, kvstore.IDToAccount, "1", "alice.near").Err(); err != nil {
			t.Fatalf("\t%s\tShould be able to seed the account directory: %v", failed, err)
		}

		resp, body := ta.get(t, "/api/open-regions")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("\t%s\tShould get status 200, got %d", failed, resp.StatusCode)
		}

		var regions []struct {
			RX int32 `json:"rx"`
			RY int32 `json:"ry"`
		}
		if err := json.Unmarshal(body, &regions); err != nil || len(regions) != 2 {
			t.Fatalf("\t%s\tShould list both open regions: %s", failed, body)
		}
		t.Logf("\t%s\tShould list both open regions.", success)

		resp, body = ta.get(t, "/api/account/1")
		if resp.StatusCode != http.StatusOK || string(body) != "alice.near" {
			t.Fatalf("\t%s\tShould resolve owner 1 to alice.near: %d %q", failed, resp.StatusCode, body)
		}
		t.Logf("\t%s\tShould resolve owner 1 to alice.near.", success)

		resp, _ = ta.get(t, "/api/account/42")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("\t%s\tShould get 404 for an unknown owner, got %d", failed, resp.StatusCode)
		}
		t.Logf("\t%s\tShould get 404 for an unknown owner.", success)
	}
}

func Test_StreamCatchUp(t *testing.T) {
	t.Log("Given the need to catch a reconnecting subscriber up before the live tail.")
	{
		ta := newTestAPI(t)
		ctx := context.Background()

		msg := func(ms uint64, color string) string {
			m := board.DrawMessage{
				Type:             board.TypeDraw,
				Signer:           "alice.near",
				BlockTimestampMs: ms,
				Pixels:           []board.AppliedPixel{{X: 0, Y: 0, Color: color}},
			}
			data, _ := json.Marshal(m)
			return string(data)
		}

		missed1 := msg(1000, "AA0000")
		missed2 := msg(2000, "BB0000")
		if err := ta.kv.ZAdd(ctx, kvstore.EventsRecent,
			redis.Z{Score: 2000, Member: missed2},
			redis.Z{Score: 1000, Member: missed1},
		).Err(); err != nil {
			t.Fatalf("\t%s\tShould be able to seed recent events: %v", failed, err)
		}

		wsURL := "ws" + strings.TrimPrefix(ta.srv.URL, "http") + "/ws"
		c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open the stream socket: %v", failed, err)
		}
		defer c.Close()
		t.Logf("\t%s\tShould be able to open the stream socket.", success)

		if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"catch_up","since_timestamp_ms":500}`)); err != nil {
			t.Fatalf("\t%s\tShould be able to request catch up: %v", failed, err)
		}

		read := func() string {
			c.SetReadDeadline(time.Now().Add(5 * time.Second))
			for {
				mt, data, err := c.ReadMessage()
				if err != nil {
					t.Fatalf("\t%s\tShould be able to read a stream message: %v", failed, err)
				}
				if mt == websocket.TextMessage {
					return string(data)
				}
			}
		}

		if got := read(); got != missed1 {
			t.Fatalf("\t%s\tShould receive the oldest missed event first: %s", failed, got)
		}
		t.Logf("\t%s\tShould receive the oldest missed event first.", success)

		if got := read(); got != missed2 {
			t.Fatalf("\t%s\tShould receive the remaining missed event: %s", failed, got)
		}
		t.Logf("\t%s\tShould receive the remaining missed event.", success)

		// A live duplicate of an event already delivered in catch-up is
		// suppressed; the next fresh event flows through.
		ta.hub.Send(missed2)
		live := msg(3000, "CC0000")
		ta.hub.Send(live)

		if got := read(); got != live {
			t.Fatalf("\t%s\tShould deduplicate the replayed event and deliver the live one: %s", failed, got)
		}
		t.Logf("\t%s\tShould deduplicate the replayed event and deliver the live one.", success)
	}
}

func Test_Health(t *testing.T) {
	t.Log("Given the need to report pipeline health.")
	{
		ta := newTestAPI(t)
		ctx := context.Background()

		if err := ta.kv.Set(ctx, kvstore.LastProcessedBlock, 123, 0).Err(); err != nil {
			t.Fatalf("\t%s\tShould be able to seed the cursor: %v", failed, err)
		}
		if err := ta.kv.LPush(ctx, kvstore.DrawQueue, "x", "y").Err(); err != nil {
			t.Fatalf("\t%s\tShould be able to seed the queue: %v", failed, err)
		}

		resp, body := ta.get(t, "/api/health")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("\t%s\tShould get status 200, got %d", failed, resp.StatusCode)
		}

		var h struct {
			Status             string `json:"status"`
			LastProcessedBlock uint64 `json:"last_processed_block"`
			QueueLength        int64  `json:"queue_length"`
		}
		if err := json.Unmarshal(body, &h); err != nil {
			t.Fatalf("\t%s\tShould get a JSON health report: %v", failed, err)
		}

		if h.Status != "ok" || h.LastProcessedBlock != 123 || h.QueueLength != 2 {
			t.Fatalf("\t%s\tShould report the cursor and queue depth: %+v", failed, h)
		}
		t.Logf("\t%s\tShould report the cursor and queue depth.", success)
	}
}
