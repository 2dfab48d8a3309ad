// Package board implements the applier: the single state machine that moves
// draw events from the ingest queue into the processing queue, arbitrates
// pixel ownership, mutates region blobs, and fans applied events out to
// stream subscribers.
package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/chainpaint/chainpaint/business/core/draw"
	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/chainpaint/chainpaint/foundation/canvas"
	"github.com/chainpaint/chainpaint/foundation/events"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OwnershipWindowNs is the interval, in block-timestamp nanoseconds, during
// which only a pixel's current owner may repaint it. At or past this age the
// pixel is permanent.
const OwnershipWindowNs uint64 = 3_600_000_000_000

// CatchUpHorizonMs bounds how far back the recent-events set reaches for
// reconnecting subscribers.
const CatchUpHorizonMs uint64 = 2 * 60 * 60 * 1000

// expandThreshold is the number of drawn pixels after which a region opens
// its cardinal neighbors for drawing (about 20% of a region).
const expandThreshold = canvas.RegionSize * canvas.RegionSize / 5

// maxBackoff caps the retry delay for transient keyed store failures.
const maxBackoff = 30 * time.Second

// Set of errors the applier cannot recover from. Either one terminates the
// run loop so supervision restarts the process into the replay path.
var (
	ErrOwnerSpaceExhausted = errors.New("owner id space exhausted")
	ErrStateInconsistent   = errors.New("state inconsistent")
)

// resolveOwnerScript assigns owner ids. The counter increment and both
// directions of the mapping happen in one atomic script so the bijection
// holds even across an accidental second applier.
var resolveOwnerScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], ARGV[1])
if id then
	return tonumber(id)
end
local new = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], new)
redis.call('HSET', KEYS[2], new, ARGV[1])
return new
`)

// =============================================================================

// Config represents the configuration required to construct the applier.
type Config struct {
	Log             *zap.SugaredLogger
	KV              *redis.Client
	Hub             *events.Hub
	ConsumerTimeout time.Duration
}

// Board manages the application of draw events against the region state.
// Exactly one Board runs per deployment; it is the sole writer of all
// region and ownership state.
type Board struct {
	log             *zap.SugaredLogger
	kv              *redis.Client
	hub             *events.Hub
	consumerTimeout time.Duration
}

// New constructs a Board ready to run.
func New(cfg Config) *Board {
	timeout := cfg.ConsumerTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Board{
		log:             cfg.Log,
		kv:              cfg.KV,
		hub:             cfg.Hub,
		consumerTimeout: timeout,
	}
}

// Run executes the applier loop until the context is canceled or a fatal
// error occurs. Residual processing queue entries from a crashed run are
// replayed before new events are consumed.
func (b *Board) Run(ctx context.Context) error {
	b.log.Infow("board: run: started")
	defer b.log.Infow("board: run: completed")

	if err := b.replay(ctx); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := b.kv.BLMove(ctx, kvstore.DrawQueue, kvstore.ProcessingQueue, "RIGHT", "LEFT", b.consumerTimeout).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue

		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			b.log.Errorw("board: run: pop", "ERROR", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if err := b.process(ctx, raw); err != nil {
			return err
		}
	}
}

// replay processes events left on the processing queue by a previous run
// that crashed mid-apply, oldest first. Application is idempotent under the
// admission rule, so a partially applied event converges to the same state.
func (b *Board) replay(ctx context.Context) error {
	entries, err := b.kv.LRange(ctx, kvstore.ProcessingQueue, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read processing queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	b.log.Infow("board: replay: residual events found", "count", len(entries))

	// Entries are pushed on the left, so the oldest event is at the tail.
	for i := len(entries) - 1; i >= 0; i-- {
		if err := b.process(ctx, entries[i]); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	return nil
}

// process applies a single queue entry to completion and acknowledges it.
// Transient failures are retried in place so the queue never skips an event.
// Only fatal errors are returned.
func (b *Board) process(ctx context.Context, raw string) error {
	evt, err := draw.UnmarshalEvent(raw)
	if err != nil {

		// Malformed data is never re-queued.
		b.log.Errorw("board: process: malformed event", "ERROR", err)
		if err := b.kv.LRem(ctx, kvstore.ProcessingQueue, 1, raw).Err(); err != nil {
			b.log.Errorw("board: process: remove malformed", "ERROR", err)
		}
		return nil
	}

	var applied []AppliedPixel
	var opened []Region

	for delay := time.Second; ; {
		applied, opened, err = b.applyEvent(ctx, evt)
		if err == nil {
			break
		}
		if errors.Is(err, ErrOwnerSpaceExhausted) || errors.Is(err, ErrStateInconsistent) {
			b.log.Errorw("board: process: fatal", "tx", evt.TxID, "ERROR", err)
			return err
		}
		if ctx.Err() != nil {

			// Shutting down: the event stays on the processing queue
			// and replays on the next run.
			return nil
		}

		b.log.Errorw("board: process: transient, retrying", "tx", evt.TxID, "delay", delay, "ERROR", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		if delay *= 2; delay > maxBackoff {
			delay = maxBackoff
		}
	}

	msgMs := evt.BlockTimestampNs / 1_000_000

	if len(applied) > 0 {
		for delay := time.Second; ; {
			err := b.publishDraw(ctx, evt.Signer, msgMs, applied)
			if err == nil {
				break
			}
			b.log.Errorw("board: process: publish draw, retrying", "tx", evt.TxID, "delay", delay, "ERROR", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			if delay *= 2; delay > maxBackoff {
				delay = maxBackoff
			}
		}
	}

	if len(opened) > 0 {
		if err := b.publishOpened(opened); err != nil {
			b.log.Errorw("board: process: publish opened", "ERROR", err)
		}
	}

	// The single acknowledgement: the event leaves the processing queue only
	// after every side effect has completed.
	if err := b.kv.LRem(ctx, kvstore.ProcessingQueue, 1, raw).Err(); err != nil {
		b.log.Errorw("board: process: ack", "ERROR", err)
	}

	return nil
}

// =============================================================================

// placed is a pixel resolved to region-local coordinates.
type placed struct {
	lx, ly  int
	r, g, b uint8
}

// applyEvent mutates all regions touched by the event under the admission
// rules and returns the admitted pixels and any regions that became open.
func (b *Board) applyEvent(ctx context.Context, evt draw.Event) ([]AppliedPixel, []Region, error) {
	ownerID, err := b.resolveOwnerID(ctx, evt.Signer)
	if err != nil {
		return nil, nil, err
	}

	// Group the pixels by the region they land in. Within a group the
	// original order is kept so a duplicate coordinate resolves to the
	// last occurrence.
	groups := make(map[Region][]placed)
	for _, p := range evt.Pixels {
		r, g, bb, err := canvas.ParseColor(p.Color)
		if err != nil {
			continue
		}
		rx, ry := canvas.RegionOf(p.X, p.Y)
		lx, ly := canvas.LocalOf(p.X, p.Y)
		reg := Region{RX: rx, RY: ry}
		groups[reg] = append(groups[reg], placed{lx: lx, ly: ly, r: r, g: g, b: bb})
	}

	// Deterministic region order keeps replays byte-for-byte identical.
	regions := make([]Region, 0, len(groups))
	for reg := range groups {
		regions = append(regions, reg)
	}
	sort.Slice(regions, func(i, j int) bool {
		if regions[i].RX != regions[j].RX {
			return regions[i].RX < regions[j].RX
		}
		return regions[i].RY < regions[j].RY
	})

	var applied []AppliedPixel
	var opened []Region

	for _, reg := range regions {
		regApplied, regOpened, err := b.applyRegion(ctx, reg, groups[reg], evt, ownerID)
		if err != nil {
			return nil, nil, err
		}
		applied = append(applied, regApplied...)
		opened = append(opened, regOpened...)
	}

	return applied, opened, nil
}

// applyRegion admits and writes the event's pixels for one region. All
// writes for the region go through a single transactional pipeline.
func (b *Board) applyRegion(ctx context.Context, reg Region, pixels []placed, evt draw.Event, ownerID uint32) ([]AppliedPixel, []Region, error) {
	regionKey := kvstore.RegionKey(reg.RX, reg.RY)
	member := kvstore.RegionMember(reg.RX, reg.RY)
	tsKey := kvstore.PixelTSKey(reg.RX, reg.RY)

	blob, err := b.kv.Get(ctx, regionKey).Bytes()
	exists := true
	switch {
	case errors.Is(err, redis.Nil):
		exists = false
		blob = make([]byte, canvas.RegionBlobSize)

	case err != nil:
		return nil, nil, fmt.Errorf("read region %s: %w", member, err)
	}

	if exists && len(blob) != canvas.RegionBlobSize {
		return nil, nil, fmt.Errorf("region %s blob length %d: %w", member, len(blob), ErrStateInconsistent)
	}

	// A region is drawable while it is in the open set. A region that has
	// never been created is drawable as well: its first mutation creates it
	// and creation implies openness. An existing region missing from the set
	// has been administratively locked.
	if exists {
		open, err := b.kv.SIsMember(ctx, kvstore.OpenRegions, member).Result()
		if err != nil {
			return nil, nil, fmt.Errorf("check open region %s: %w", member, err)
		}
		if !open {
			return nil, nil, nil
		}
	}

	var applied []AppliedPixel
	var tsAdds []redis.Z
	newPixels := 0

	// Coordinates admitted earlier in this same event. A duplicate
	// coordinate is admitted again so the last occurrence wins.
	pending := make(map[string]bool)

	for _, p := range pixels {
		off := canvas.Offset(p.lx, p.ly)
		member := fmt.Sprintf("%d,%d", p.lx, p.ly)
		existing := canvas.DecodePixel(blob[off : off+canvas.PixelSize])

		switch {
		case existing.IsEmpty():
			newPixels++

		case pending[member]:

		default:
			admit, err := b.admitOwned(ctx, tsKey, member, existing, evt.BlockTimestampNs, ownerID)
			if err != nil {
				return nil, nil, err
			}
			if !admit {
				continue
			}
		}

		canvas.Pixel{R: p.r, G: p.g, B: p.b, Owner: ownerID}.Encode(blob[off : off+canvas.PixelSize])
		pending[member] = true

		tsAdds = append(tsAdds, redis.Z{
			Score:  float64(evt.BlockTimestampNs),
			Member: member,
		})

		applied = append(applied, AppliedPixel{
			X:     reg.RX*canvas.RegionSize + int32(p.lx),
			Y:     reg.RY*canvas.RegionSize + int32(p.ly),
			Color: fmt.Sprintf("%02X%02X%02X", p.r, p.g, p.b),
		})
	}

	if len(applied) == 0 {
		return nil, nil, nil
	}

	trimBound := int64(evt.BlockTimestampNs) - int64(OwnershipWindowNs)

	pipe := b.kv.TxPipeline()
	pipe.Set(ctx, regionKey, blob, 0)
	pipe.HSet(ctx, kvstore.RegionMetaKey(reg.RX, reg.RY), "last_updated", time.Now().UnixMilli())
	pipe.ZAdd(ctx, tsKey, tsAdds...)
	pipe.ZRemRangeByScore(ctx, tsKey, "-inf", fmt.Sprintf("(%d", trimBound))
	if newPixels > 0 {
		pipe.HIncrBy(ctx, kvstore.AccountPixels, strconv.FormatUint(uint64(ownerID), 10), int64(newPixels))
		pipe.HIncrBy(ctx, kvstore.RegionPixels, member, int64(newPixels))
	}
	if !exists {
		pipe.SAdd(ctx, kvstore.OpenRegions, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, nil, fmt.Errorf("write region %s: %w", member, err)
	}

	var opened []Region
	if !exists {
		opened = append(opened, reg)
	}

	expanded, err := b.expand(ctx, reg, member, newPixels)
	if err != nil {
		return nil, nil, err
	}
	opened = append(opened, expanded...)

	return applied, opened, nil
}

// admitOwned applies the ownership window to a pixel that already has an
// owner. A missing timestamp entry or an entry at or past the window bound
// means the pixel is permanent.
func (b *Board) admitOwned(ctx context.Context, tsKey string, member string, existing canvas.Pixel, eventNs uint64, ownerID uint32) (bool, error) {
	score, err := b.kv.ZScore(ctx, tsKey, member).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil

	case err != nil:
		return false, fmt.Errorf("read pixel timestamp: %w", err)
	}

	storedNs := uint64(score)
	if eventNs >= storedNs && eventNs-storedNs >= OwnershipWindowNs {
		return false, nil
	}

	return existing.Owner == ownerID, nil
}

// expand opens a region's cardinal neighbors once it has crossed the drawn
// pixel threshold. Only neighbors actually added to the set are reported.
func (b *Board) expand(ctx context.Context, reg Region, member string, newPixels int) ([]Region, error) {
	if newPixels == 0 {
		return nil, nil
	}

	count, err := b.kv.HGet(ctx, kvstore.RegionPixels, member).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read region pixel count: %w", err)
	}
	if count < expandThreshold {
		return nil, nil
	}

	neighbors := []Region{
		{RX: reg.RX - 1, RY: reg.RY},
		{RX: reg.RX + 1, RY: reg.RY},
		{RX: reg.RX, RY: reg.RY - 1},
		{RX: reg.RX, RY: reg.RY + 1},
	}

	var opened []Region
	for _, n := range neighbors {
		added, err := b.kv.SAdd(ctx, kvstore.OpenRegions, kvstore.RegionMember(n.RX, n.RY)).Result()
		if err != nil {
			return nil, fmt.Errorf("open neighbor region: %w", err)
		}
		if added == 1 {
			opened = append(opened, n)
		}
	}

	return opened, nil
}

// resolveOwnerID returns the signer's owner index, assigning the next index
// on first use. The id space is 24 bits; running out is fatal.
func (b *Board) resolveOwnerID(ctx context.Context, signer string) (uint32, error) {
	id, err := resolveOwnerScript.Run(ctx, b.kv,
		[]string{kvstore.AccountToID, kvstore.IDToAccount, kvstore.NextOwnerID},
		signer,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("resolve owner id: %w", err)
	}

	if id <= 0 || id > canvas.MaxOwnerID {
		return 0, fmt.Errorf("owner id %d for %q: %w", id, signer, ErrOwnerSpaceExhausted)
	}

	// The two hashes must stay mutual inverses. A diverged reverse mapping
	// means the state can no longer be trusted.
	account, err := b.kv.HGet(ctx, kvstore.IDToAccount, strconv.FormatInt(id, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("verify owner mapping: %w", err)
	}
	if account != signer {
		return 0, fmt.Errorf("owner id %d maps to %q not %q: %w", id, account, signer, ErrStateInconsistent)
	}

	return uint32(id), nil
}

// =============================================================================

// publishDraw appends the applied event to the recent set and broadcasts it.
func (b *Board) publishDraw(ctx context.Context, signer string, msgMs uint64, applied []AppliedPixel) error {
	msg := DrawMessage{
		Type:             TypeDraw,
		Signer:           signer,
		BlockTimestampMs: msgMs,
		Pixels:           applied,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal draw message: %w", err)
	}

	pipe := b.kv.TxPipeline()
	pipe.ZAdd(ctx, kvstore.EventsRecent, redis.Z{Score: float64(msgMs), Member: string(data)})
	pipe.ZRemRangeByScore(ctx, kvstore.EventsRecent, "-inf", fmt.Sprintf("(%d", int64(msgMs)-int64(CatchUpHorizonMs)))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store recent event: %w", err)
	}

	b.hub.Send(string(data))
	return nil
}

// publishOpened broadcasts newly opened regions.
func (b *Board) publishOpened(opened []Region) error {
	msg := RegionsOpenedMessage{
		Type:    TypeRegionsOpened,
		Regions: opened,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal regions opened message: %w", err)
	}

	b.hub.Send(string(data))
	return nil
}
