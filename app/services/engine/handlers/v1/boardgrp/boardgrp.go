// Package boardgrp maintains the group of handlers for the board API: region
// blobs, region metadata, ownership lookups, and the live event stream.
package boardgrp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chainpaint/chainpaint/business/core/board"
	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/chainpaint/chainpaint/business/web/errs"
	"github.com/chainpaint/chainpaint/foundation/canvas"
	"github.com/chainpaint/chainpaint/foundation/events"
	"github.com/chainpaint/chainpaint/foundation/web"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxBatchCoords caps how many regions a single batched meta request may ask
// for.
const maxBatchCoords = 256

// writeDeadline bounds a single websocket send; a subscriber that cannot
// keep up within it is disconnected.
const writeDeadline = 5 * time.Second

// Handlers manages the set of board endpoints.
type Handlers struct {
	Log *zap.SugaredLogger
	KV  *redis.Client
	Hub *events.Hub
	WS  websocket.Upgrader
}

// Region returns the raw 98304 byte blob of a region along with its last
// update time. A region that has never been drawn on is all zero bytes.
func (h Handlers) Region(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	rx, ry, err := regionParams(r)
	if err != nil {
		return err
	}

	blob, err := h.KV.Get(ctx, kvstore.RegionKey(rx, ry)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		blob = make([]byte, canvas.RegionBlobSize)

	case err != nil:
		return fmt.Errorf("read region: %w", err)
	}

	if len(blob) != canvas.RegionBlobSize {
		return fmt.Errorf("region %d:%d blob length %d", rx, ry, len(blob))
	}

	lastUpdated, err := h.lastUpdated(ctx, rx, ry)
	if err != nil {
		return err
	}

	w.Header().Set("X-Last-Updated", strconv.FormatUint(lastUpdated, 10))
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")

	return web.RespondBytes(ctx, w, blob, "application/octet-stream", http.StatusOK)
}

// RegionMeta returns the refresh metadata for a single region.
func (h Handlers) RegionMeta(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	rx, ry, err := regionParams(r)
	if err != nil {
		return err
	}

	lastUpdated, err := h.lastUpdated(ctx, rx, ry)
	if err != nil {
		return err
	}

	meta := regionMeta{
		RX:          rx,
		RY:          ry,
		LastUpdated: lastUpdated,
	}

	return web.Respond(ctx, w, meta, http.StatusOK)
}

// RegionsMeta returns refresh metadata for a batch of regions in the
// requested order. Coordinates arrive as a flat comma separated list of
// rx,ry pairs.
func (h Handlers) RegionsMeta(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	coords := r.URL.Query().Get("coords")
	if coords == "" {
		return errs.NewTrusted(errors.New("missing coords query parameter"), http.StatusBadRequest)
	}

	parts := strings.Split(coords, ",")
	if len(parts)%2 != 0 {
		return errs.NewTrusted(errors.New("coords must be rx,ry pairs"), http.StatusBadRequest)
	}
	if len(parts)/2 > maxBatchCoords {
		return errs.NewTrusted(fmt.Errorf("at most %d coordinate pairs per request", maxBatchCoords), http.StatusBadRequest)
	}

	metas := make([]regionMeta, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		rx, err1 := strconv.ParseInt(strings.TrimSpace(parts[i]), 10, 32)
		ry, err2 := strconv.ParseInt(strings.TrimSpace(parts[i+1]), 10, 32)
		if err1 != nil || err2 != nil {
			return errs.NewTrusted(errors.New("coords must be integers"), http.StatusBadRequest)
		}

		lastUpdated, err := h.lastUpdated(ctx, int32(rx), int32(ry))
		if err != nil {
			return err
		}

		metas = append(metas, regionMeta{
			RX:          int32(rx),
			RY:          int32(ry),
			LastUpdated: lastUpdated,
		})
	}

	return web.Respond(ctx, w, metas, http.StatusOK)
}

// RegionTimestamps returns the pixels of a region painted within the
// ownership window as [lx, ly, ts_ms] triples.
func (h Handlers) RegionTimestamps(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	rx, ry, err := regionParams(r)
	if err != nil {
		return err
	}

	bound := uint64(time.Now().UnixNano()) - board.OwnershipWindowNs

	entries, err := h.KV.ZRangeByScoreWithScores(ctx, kvstore.PixelTSKey(rx, ry), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", bound),
		Max: "+inf",
	}).Result()
	if err != nil {
		return fmt.Errorf("read pixel timestamps: %w", err)
	}

	triples := make([][3]int64, 0, len(entries))
	for _, entry := range entries {
		member, ok := entry.Member.(string)
		if !ok {
			continue
		}
		lx, ly, ok := parseLocal(member)
		if !ok {
			continue
		}
		triples = append(triples, [3]int64{int64(lx), int64(ly), int64(entry.Score) / 1_000_000})
	}

	return web.Respond(ctx, w, triples, http.StatusOK)
}

// OpenRegions returns every region currently available for drawing.
func (h Handlers) OpenRegions(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	members, err := h.KV.SMembers(ctx, kvstore.OpenRegions).Result()
	if err != nil {
		return fmt.Errorf("read open regions: %w", err)
	}

	regions := make([]regionCoord, 0, len(members))
	for _, member := range members {
		rx, ry, ok := parseRegionMember(member)
		if !ok {
			continue
		}
		regions = append(regions, regionCoord{RX: rx, RY: ry})
	}

	sort.Slice(regions, func(i, j int) bool {
		if regions[i].RX != regions[j].RX {
			return regions[i].RX < regions[j].RX
		}
		return regions[i].RY < regions[j].RY
	})

	return web.Respond(ctx, w, regions, http.StatusOK)
}

// Account resolves an owner index to its account name.
func (h Handlers) Account(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id, err := strconv.ParseUint(web.Param(r, "id"), 10, 32)
	if err != nil || id == 0 || id > canvas.MaxOwnerID {
		return errs.NewTrusted(errors.New("invalid owner id"), http.StatusBadRequest)
	}

	account, err := h.KV.HGet(ctx, kvstore.IDToAccount, strconv.FormatUint(id, 10)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return errs.NewTrusted(errors.New("unknown owner id"), http.StatusNotFound)

	case err != nil:
		return fmt.Errorf("read account: %w", err)
	}

	return web.RespondText(ctx, w, account, http.StatusOK)
}

// Leaderboard returns the accounts currently holding the most pixels.
func (h Handlers) Leaderboard(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	counts, err := h.KV.HGetAll(ctx, kvstore.AccountPixels).Result()
	if err != nil {
		return fmt.Errorf("read pixel counts: %w", err)
	}

	entries := make([]leaderboardEntry, 0, len(counts))
	for id, count := range counts {
		pixels, err := strconv.ParseInt(count, 10, 64)
		if err != nil {
			continue
		}

		account, err := h.KV.HGet(ctx, kvstore.IDToAccount, id).Result()
		if err != nil {
			continue
		}

		entries = append(entries, leaderboardEntry{Account: account, Pixels: pixels})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Pixels != entries[j].Pixels {
			return entries[i].Pixels > entries[j].Pixels
		}
		return entries[i].Account < entries[j].Account
	})

	const topN = 20
	if len(entries) > topN {
		entries = entries[:topN]
	}

	return web.Respond(ctx, w, entries, http.StatusOK)
}

// Health reports the pipeline status: the ingest cursor and the depth of
// the work queue.
func (h Handlers) Health(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var lastBlock uint64
	v, err := h.KV.Get(ctx, kvstore.LastProcessedBlock).Result()
	switch {
	case errors.Is(err, redis.Nil):

	case err != nil:
		return fmt.Errorf("read cursor: %w", err)

	default:
		lastBlock, _ = strconv.ParseUint(v, 10, 64)
	}

	queueLen, err := h.KV.LLen(ctx, kvstore.DrawQueue).Result()
	if err != nil {
		return fmt.Errorf("read queue length: %w", err)
	}

	status := health{
		Status:             "ok",
		LastProcessedBlock: lastBlock,
		QueueLength:        queueLen,
	}

	return web.Respond(ctx, w, status, http.StatusOK)
}

// =============================================================================

// lastUpdated reads a region's last update time, zero when never written.
func (h Handlers) lastUpdated(ctx context.Context, rx int32, ry int32) (uint64, error) {
	v, err := h.KV.HGet(ctx, kvstore.RegionMetaKey(rx, ry), "last_updated").Result()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, nil

	case err != nil:
		return 0, fmt.Errorf("read region meta: %w", err)
	}

	ms, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse region meta %q: %w", v, err)
	}

	return ms, nil
}

// regionParams parses the rx/ry route parameters.
func regionParams(r *http.Request) (int32, int32, error) {
	rx, err1 := strconv.ParseInt(web.Param(r, "rx"), 10, 32)
	ry, err2 := strconv.ParseInt(web.Param(r, "ry"), 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, errs.NewTrusted(errors.New("region coordinates must be integers"), http.StatusBadRequest)
	}
	return int32(rx), int32(ry), nil
}

// parseLocal parses a "lx,ly" sorted set member.
func parseLocal(member string) (int, int, bool) {
	lx, ly, ok := splitInts(member, ",")
	if !ok || lx < 0 || lx >= canvas.RegionSize || ly < 0 || ly >= canvas.RegionSize {
		return 0, 0, false
	}
	return int(lx), int(ly), true
}

// parseRegionMember parses a "rx:ry" set member.
func parseRegionMember(member string) (int32, int32, bool) {
	rx, ry, ok := splitInts(member, ":")
	if !ok {
		return 0, 0, false
	}
	return int32(rx), int32(ry), true
}

func splitInts(s string, sep string) (int64, int64, bool) {
	a, b, found := strings.Cut(s, sep)
	if !found {
		return 0, 0, false
	}
	x, err1 := strconv.ParseInt(a, 10, 32)
	y, err2 := strconv.ParseInt(b, 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return x, y, true
}
