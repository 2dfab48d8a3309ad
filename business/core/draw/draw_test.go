package draw_test

import (
	"strings"
	"testing"

	"github.com/chainpaint/chainpaint/business/core/draw"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// =============================================================================

func Test_ParseArgs(t *testing.T) {
	type table struct {
		name    string
		raw     string
		ok      bool
		nPixels int
	}

	tt := []table{
		{name: "single", raw: `{"pixels":[{"x":0,"y":0,"color":"ff0000"}]}`, ok: true, nPixels: 1},
		{name: "negative", raw: `{"pixels":[{"x":-1,"y":-1,"color":"ABCDEF"}]}`, ok: true, nPixels: 1},
		{name: "empty", raw: `{"pixels":[]}`, ok: false},
		{name: "missing", raw: `{}`, ok: false},
		{name: "badcolor", raw: `{"pixels":[{"x":0,"y":0,"color":"XYZXYZ"}]}`, ok: false},
		{name: "shortcolor", raw: `{"pixels":[{"x":0,"y":0,"color":"FFF"}]}`, ok: false},
		{name: "prefixed", raw: `{"pixels":[{"x":0,"y":0,"color":"0xFF00"}]}`, ok: false},
		{name: "notjson", raw: `pixels`, ok: false},
	}

	t.Log("Given the need to validate draw call arguments.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen parsing %s args.", testID, tst.name)
			{
				args, err := draw.ParseArgs([]byte(tst.raw))
				if tst.ok && err != nil {
					t.Fatalf("\t%s\tTest %d:\tShould be able to parse the args: %v", failed, testID, err)
				}
				if !tst.ok {
					if err == nil {
						t.Fatalf("\t%s\tTest %d:\tShould reject the args.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould reject the args.", success, testID)
					continue
				}
				t.Logf("\t%s\tTest %d:\tShould be able to parse the args.", success, testID)

				if len(args.Pixels) != tst.nPixels {
					t.Fatalf("\t%s\tTest %d:\tShould keep %d pixels, got %d", failed, testID, tst.nPixels, len(args.Pixels))
				}
				t.Logf("\t%s\tTest %d:\tShould keep %d pixels.", success, testID, tst.nPixels)

				for _, p := range args.Pixels {
					if p.Color != strings.ToUpper(p.Color) {
						t.Fatalf("\t%s\tTest %d:\tShould normalize colors to uppercase: got %q", failed, testID, p.Color)
					}
				}
				t.Logf("\t%s\tTest %d:\tShould normalize colors to uppercase.", success, testID)
			}
		}
	}
}

func Test_ParseArgsPixelCap(t *testing.T) {
	t.Log("Given the need to bound the pixel count of a single call.")
	{
		var sb strings.Builder
		sb.WriteString(`{"pixels":[`)
		for i := 0; i <= draw.MaxPixels; i++ {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(`{"x":0,"y":0,"color":"FF0000"}`)
		}
		sb.WriteString(`]}`)

		if _, err := draw.ParseArgs([]byte(sb.String())); err == nil {
			t.Fatalf("\t%s\tShould reject args with more than %d pixels.", failed, draw.MaxPixels)
		}
		t.Logf("\t%s\tShould reject args with more than %d pixels.", success, draw.MaxPixels)
	}
}

func Test_EventRoundTrip(t *testing.T) {
	t.Log("Given the need to round-trip events through the queue wire form.")
	{
		evt := draw.Event{
			Signer:           "alice.near",
			BlockHeight:      100,
			BlockTimestampNs: 1_000_000_000,
			TxID:             "tx-1",
			Pixels:           []draw.Pixel{{X: 3, Y: -4, Color: "FF00AA"}},
		}

		s, err := evt.Marshal()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to marshal the event: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to marshal the event.", success)

		got, err := draw.UnmarshalEvent(s)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to unmarshal the event: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to unmarshal the event.", success)

		if got.Signer != evt.Signer || got.BlockTimestampNs != evt.BlockTimestampNs || len(got.Pixels) != 1 || got.Pixels[0] != evt.Pixels[0] {
			t.Fatalf("\t%s\tShould get back the identical event.", failed)
		}
		t.Logf("\t%s\tShould get back the identical event.", success)
	}
}
