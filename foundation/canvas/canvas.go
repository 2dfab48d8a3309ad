// Package canvas implements the binary region format for the pixel plane and
// the coordinate math that maps world coordinates onto region tiles.
package canvas

import "errors"

// RegionSize is the width and height of a region tile in pixels.
const RegionSize = 128

// PixelSize is the per-pixel binary size: 3 bytes RGB plus a 3 byte
// little-endian owner index.
const PixelSize = 6

// RegionBlobSize is the total size of a region blob: 128 * 128 * 6 bytes.
const RegionBlobSize = RegionSize * RegionSize * PixelSize

// MaxOwnerID is the largest owner index that fits in the 3 byte slot.
// Owner 0 is reserved to mean the pixel has never been drawn.
const MaxOwnerID = 1<<24 - 1

// Set of errors for codec failures.
var (
	ErrInvalidColor  = errors.New("color must be exactly 6 hex characters")
	ErrOwnerOverflow = errors.New("owner id does not fit in 24 bits")
)

// =============================================================================

// RegionOf computes which region a world coordinate falls in using Euclidean
// division so that negative coordinates map consistently.
func RegionOf(x int32, y int32) (rx int32, ry int32) {
	return divEuclid(x, RegionSize), divEuclid(y, RegionSize)
}

// LocalOf computes the local coordinate of a world coordinate within its
// region. The result is always in [0, RegionSize).
func LocalOf(x int32, y int32) (lx int, ly int) {
	return int(remEuclid(x, RegionSize)), int(remEuclid(y, RegionSize))
}

// Offset computes the byte offset of a local coordinate within a region blob.
func Offset(lx int, ly int) int {
	return (ly*RegionSize + lx) * PixelSize
}

// divEuclid performs Euclidean division: the quotient is rounded toward
// negative infinity so the remainder is never negative.
func divEuclid(v int32, d int32) int32 {
	q := v / d
	if v%d < 0 {
		q--
	}
	return q
}

// remEuclid returns the Euclidean remainder of v by d, always in [0, d).
func remEuclid(v int32, d int32) int32 {
	r := v % d
	if r < 0 {
		r += d
	}
	return r
}

// =============================================================================

// Pixel is a single stored pixel: its color and the owner index of the
// account that painted it. Owner 0 means undrawn.
type Pixel struct {
	R     uint8
	G     uint8
	B     uint8
	Owner uint32
}

// IsEmpty reports whether the pixel has never been drawn on.
func (p Pixel) IsEmpty() bool {
	return p.Owner == 0
}

// Encode writes the pixel into the first PixelSize bytes of buf as
// R, G, B followed by the owner index as 3 little-endian bytes.
func (p Pixel) Encode(buf []byte) {
	buf[0] = p.R
	buf[1] = p.G
	buf[2] = p.B
	buf[3] = byte(p.Owner)
	buf[4] = byte(p.Owner >> 8)
	buf[5] = byte(p.Owner >> 16)
}

// DecodePixel reads a pixel from the first PixelSize bytes of buf.
func DecodePixel(buf []byte) Pixel {
	return Pixel{
		R:     buf[0],
		G:     buf[1],
		B:     buf[2],
		Owner: uint32(buf[3]) | uint32(buf[4])<<8 | uint32(buf[5])<<16,
	}
}

// Pack parses a 6 character hex color and combines it with an owner index
// into the 6 byte stored form.
func Pack(color string, owner uint32) ([PixelSize]byte, error) {
	var buf [PixelSize]byte

	r, g, b, err := ParseColor(color)
	if err != nil {
		return buf, err
	}
	if owner > MaxOwnerID {
		return buf, ErrOwnerOverflow
	}

	Pixel{R: r, G: g, B: b, Owner: owner}.Encode(buf[:])
	return buf, nil
}

// ParseColor parses a color string of exactly 6 hex characters, upper or
// lower case, into its RGB components.
func ParseColor(s string) (r uint8, g uint8, b uint8, err error) {
	if len(s) != 6 {
		return 0, 0, 0, ErrInvalidColor
	}

	var v [6]uint8
	for i := 0; i < 6; i++ {
		n, ok := hexVal(s[i])
		if !ok {
			return 0, 0, 0, ErrInvalidColor
		}
		v[i] = n
	}

	return v[0]<<4 | v[1], v[2]<<4 | v[3], v[4]<<4 | v[5], nil
}

func hexVal(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
