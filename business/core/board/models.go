package board

// Region addresses one 128x128 tile of the pixel plane.
type Region struct {
	RX int32 `json:"rx"`
	RY int32 `json:"ry"`
}

// AppliedPixel is one pixel that passed admission, in world coordinates.
type AppliedPixel struct {
	X     int32  `json:"x"`
	Y     int32  `json:"y"`
	Color string `json:"color"`
}

// DrawMessage is the stream message for the admitted subset of a draw event.
type DrawMessage struct {
	Type             string         `json:"type"`
	Signer           string         `json:"signer"`
	BlockTimestampMs uint64         `json:"block_timestamp_ms"`
	Pixels           []AppliedPixel `json:"pixels"`
}

// RegionsOpenedMessage is the stream message for regions that became
// available for drawing.
type RegionsOpenedMessage struct {
	Type    string   `json:"type"`
	Regions []Region `json:"regions"`
}

// Message type discriminators. The server never emits types outside this set.
const (
	TypeDraw          = "draw"
	TypeRegionsOpened = "regions_opened"
)
