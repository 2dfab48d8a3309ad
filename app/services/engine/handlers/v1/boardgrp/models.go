package boardgrp

// regionMeta is the client view of a region's refresh metadata.
type regionMeta struct {
	RX          int32  `json:"rx"`
	RY          int32  `json:"ry"`
	LastUpdated uint64 `json:"last_updated"`
}

// regionCoord is one open region coordinate.
type regionCoord struct {
	RX int32 `json:"rx"`
	RY int32 `json:"ry"`
}

// leaderboardEntry is one row of the pixel count leaderboard.
type leaderboardEntry struct {
	Account string `json:"account"`
	Pixels  int64  `json:"pixels"`
}

// health is the status summary of the pipeline.
type health struct {
	Status             string `json:"status"`
	LastProcessedBlock uint64 `json:"last_processed_block"`
	QueueLength        int64  `json:"queue_length"`
}

// catchUp is the only message clients may send on the stream socket.
type catchUp struct {
	Type             string `json:"type"`
	SinceTimestampMs uint64 `json:"since_timestamp_ms"`
}
