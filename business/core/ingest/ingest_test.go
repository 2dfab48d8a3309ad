package ingest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chainpaint/chainpaint/business/core/draw"
	"github.com/chainpaint/chainpaint/business/core/ingest"
	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/chainpaint/chainpaint/foundation/blocks"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

const contractID = "pixels.chainpaint.near"

// =============================================================================

// blockServer serves a fixed set of blocks by height. Heights outside the
// set answer 404 like a chain that has not produced them yet.
func blockServer(t *testing.T, blks map[uint64]string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v0/block/", func(w http.ResponseWriter, r *http.Request) {
		var height uint64
		if _, err := fmt.Sscanf(r.URL.Path, "/v0/block/%d", &height); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, exists := blks[height]
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runUntil(t *testing.T, ing *ingest.Ingest, cond func() bool) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("\t%s\tShould reach the expected state before the deadline.", failed)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("\t%s\tShould stop cleanly on cancel: %v", failed, err)
	}
}

// =============================================================================

func Test_IngestBlocks(t *testing.T) {
	t.Log("Given the need to filter draw calls out of the block stream.")
	{
		mr := miniredis.RunT(t)
		kv := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer kv.Close()

		block100 := `{
			"header": {"height": 100, "timestamp_nanosec": "1700000000000000000"},
			"receipts": [
				{"tx_id": "tx-1", "predecessor_id": "alice.near", "receiver_id": "pixels.chainpaint.near",
				 "actions": [{"method_name": "draw", "args": {"pixels": [{"x": 0, "y": 0, "color": "ff0000"}]}}]},
				{"tx_id": "tx-2", "predecessor_id": "mallory.near", "receiver_id": "someone.else.near",
				 "actions": [{"method_name": "draw", "args": {"pixels": [{"x": 1, "y": 1, "color": "00FF00"}]}}]},
				{"tx_id": "tx-3", "predecessor_id": "bob.near", "receiver_id": "pixels.chainpaint.near",
				 "actions": [{"method_name": "transfer", "args": {}}]},
				{"tx_id": "tx-4", "predecessor_id": "carol.near", "receiver_id": "pixels.chainpaint.near",
				 "actions": [{"method_name": "draw", "args": {"pixels": []}}]},
				{"tx_id": "tx-5", "predecessor_id": "dave.near", "receiver_id": "pixels.chainpaint.near",
				 "actions": [{"method_name": "draw", "args": {"pixels": [{"x": 2, "y": 2, "color": "BADHEX"}]}}]}
			]
		}`
		block101 := `{
			"header": {"height": 101, "timestamp_nanosec": "1700000001000000000"},
			"receipts": [
				{"tx_id": "tx-6", "predecessor_id": "erin.near", "receiver_id": "pixels.chainpaint.near",
				 "actions": [{"method_name": "draw", "args": {"pixels": [{"x": -5, "y": -5, "color": "abcdef"}]}}]}
			]
		}`

		srv := blockServer(t, map[uint64]string{100: block100, 101: block101})

		ing := ingest.New(ingest.Config{
			Log:        zap.NewNop().Sugar(),
			KV:         kv,
			Source:     blocks.NewClient(srv.URL),
			ContractID: contractID,
			StartBlock: 100,
		})

		ctx := context.Background()

		runUntil(t, ing, func() bool {
			v, err := kv.Get(ctx, kvstore.LastProcessedBlock).Result()
			return err == nil && v == "101"
		})
		t.Logf("\t%s\tShould advance the cursor to the newest produced block.", success)

		// The consumer pops from the right, so the right end is the oldest.
		entries, err := kv.LRange(ctx, kvstore.DrawQueue, 0, -1).Result()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to read the draw queue: %v", failed, err)
		}
		if len(entries) != 2 {
			t.Fatalf("\t%s\tShould enqueue exactly the 2 valid draw events, have %d", failed, len(entries))
		}
		t.Logf("\t%s\tShould enqueue exactly the 2 valid draw events.", success)

		oldest, err := draw.UnmarshalEvent(entries[1])
		if err != nil {
			t.Fatalf("\t%s\tShould be able to parse the queued event: %v", failed, err)
		}
		if oldest.Signer != "alice.near" || oldest.BlockHeight != 100 || oldest.BlockTimestampNs != 1_700_000_000_000_000_000 {
			t.Fatalf("\t%s\tShould carry the signer and block metadata: %+v", failed, oldest)
		}
		t.Logf("\t%s\tShould carry the signer and block metadata.", success)

		if oldest.Pixels[0].Color != "FF0000" {
			t.Fatalf("\t%s\tShould normalize colors to uppercase: %q", failed, oldest.Pixels[0].Color)
		}
		t.Logf("\t%s\tShould normalize colors to uppercase.", success)

		newest, _ := draw.UnmarshalEvent(entries[0])
		if newest.Signer != "erin.near" || newest.BlockHeight != 101 {
			t.Fatalf("\t%s\tShould keep block order across the queue: %+v", failed, newest)
		}
		t.Logf("\t%s\tShould keep block order across the queue.", success)
	}
}

func Test_IngestResumesFromCursor(t *testing.T) {
	t.Log("Given the need to resume ingestion after the persisted cursor.")
	{
		mr := miniredis.RunT(t)
		kv := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer kv.Close()

		ctx := context.Background()
		if err := kv.Set(ctx, kvstore.LastProcessedBlock, 200, 0).Err(); err != nil {
			t.Fatalf("\t%s\tShould be able to seed the cursor: %v", failed, err)
		}

		block201 := `{
			"header": {"height": 201, "timestamp_nanosec": "1700000002000000000"},
			"receipts": [
				{"tx_id": "tx-7", "predecessor_id": "alice.near", "receiver_id": "pixels.chainpaint.near",
				 "actions": [{"method_name": "draw", "args": {"pixels": [{"x": 9, "y": 9, "color": "123456"}]}}]}
			]
		}`

		srv := blockServer(t, map[uint64]string{201: block201})

		ing := ingest.New(ingest.Config{
			Log:        zap.NewNop().Sugar(),
			KV:         kv,
			Source:     blocks.NewClient(srv.URL),
			ContractID: contractID,
			StartBlock: 0,
		})

		runUntil(t, ing, func() bool {
			v, err := kv.Get(ctx, kvstore.LastProcessedBlock).Result()
			return err == nil && v == "201"
		})
		t.Logf("\t%s\tShould consume the block after the cursor.", success)

		entries, _ := kv.LRange(ctx, kvstore.DrawQueue, 0, -1).Result()
		if len(entries) != 1 {
			t.Fatalf("\t%s\tShould enqueue the single event, have %d", failed, len(entries))
		}

		var evt draw.Event
		if err := json.Unmarshal([]byte(entries[0]), &evt); err != nil || evt.BlockHeight != 201 {
			t.Fatalf("\t%s\tShould enqueue the event from block 201: %+v", failed, evt)
		}
		t.Logf("\t%s\tShould enqueue the event from block 201.", success)
	}
}
