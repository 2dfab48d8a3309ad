// Package draw defines the draw event that flows from the ingester through
// the work queue to the applier, and the validation rules for the contract
// call arguments it is built from.
package draw

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chainpaint/chainpaint/business/sys/validate"
	"github.com/chainpaint/chainpaint/foundation/canvas"
)

// MaxPixels bounds the number of pixels a single draw call may carry.
const MaxPixels = 10_000

// Pixel is a single pixel of a draw call in world coordinates.
type Pixel struct {
	X     int32  `json:"x"`
	Y     int32  `json:"y"`
	Color string `json:"color" validate:"required,len=6"`
}

// Args is the JSON argument payload of a draw contract call.
type Args struct {
	Pixels []Pixel `json:"pixels" validate:"required,min=1,max=10000,dive"`
}

// Event is a fully resolved draw call with signer and block metadata. It is
// emitted once per successfully filtered receipt.
type Event struct {
	Signer           string  `json:"signer" validate:"required"`
	BlockHeight      uint64  `json:"block_height"`
	BlockTimestampNs uint64  `json:"block_timestamp_ns"`
	TxID             string  `json:"tx_id"`
	Pixels           []Pixel `json:"pixels" validate:"required,min=1,max=10000,dive"`
}

// =============================================================================

// ParseArgs decodes and validates raw draw call arguments. Colors are
// normalized to uppercase. Any failure means the receipt carrying these
// arguments is dropped.
func ParseArgs(raw []byte) (Args, error) {
	var args Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return Args{}, fmt.Errorf("decode draw args: %w", err)
	}

	if err := validate.Check(args); err != nil {
		return Args{}, fmt.Errorf("validate draw args: %w", err)
	}

	for i, p := range args.Pixels {
		if _, _, _, err := canvas.ParseColor(p.Color); err != nil {
			return Args{}, fmt.Errorf("pixel %d: %w", i, err)
		}
		args.Pixels[i].Color = strings.ToUpper(p.Color)
	}

	return args, nil
}

// Marshal serializes the event to its queue wire form.
func (e Event) Marshal() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal draw event: %w", err)
	}
	return string(data), nil
}

// UnmarshalEvent parses an event from its queue wire form.
func UnmarshalEvent(s string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal draw event: %w", err)
	}
	return e, nil
}
