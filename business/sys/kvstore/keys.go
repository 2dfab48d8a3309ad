package kvstore

import "fmt"

// Fixed keys for cross-restart state. Every piece of durable state lives
// under one of these so crash recovery is a replay of the processing queue.
const (
	// DrawQueue is the list the ingester pushes draw events onto. The
	// producer pushes on the left, the applier moves from the right.
	DrawQueue = "draw_queue"

	// ProcessingQueue is the list holding the event currently being applied.
	// An entry is removed only after all side effects have completed.
	ProcessingQueue = "processing_queue"

	// LastProcessedBlock is the ingester's resume cursor.
	LastProcessedBlock = "last_processed_block"

	// AccountToID maps account names to their u24 owner index.
	AccountToID = "account_to_id"

	// IDToAccount maps u24 owner indexes back to account names.
	IDToAccount = "id_to_account"

	// NextOwnerID is the monotonic owner index counter. IDs start at 1;
	// 0 is reserved as the undrawn sentinel.
	NextOwnerID = "next_owner_id"

	// EventsRecent is the sorted set of applied draw events keyed by block
	// timestamp in milliseconds, trimmed to the catch-up horizon.
	EventsRecent = "events_recent"

	// OpenRegions is the set of regions currently available for drawing.
	OpenRegions = "open_regions"

	// AccountPixels counts currently held pixels per owner index.
	AccountPixels = "account_pixels"

	// RegionPixels counts drawn pixels per region.
	RegionPixels = "region_pixels"
)

// RegionKey returns the key of a region blob.
func RegionKey(rx int32, ry int32) string {
	return fmt.Sprintf("region:%d:%d", rx, ry)
}

// RegionMetaKey returns the key of a region's metadata hash.
func RegionMetaKey(rx int32, ry int32) string {
	return fmt.Sprintf("region_meta:%d:%d", rx, ry)
}

// PixelTSKey returns the key of a region's pixel timestamp sorted set.
func PixelTSKey(rx int32, ry int32) string {
	return fmt.Sprintf("pixel_ts:%d:%d", rx, ry)
}

// RegionMember returns the set/hash member form of a region coordinate.
func RegionMember(rx int32, ry int32) string {
	return fmt.Sprintf("%d:%d", rx, ry)
}
