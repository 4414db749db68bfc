package host

import (
	"errors"
	"fmt"
	"testing"

	"explorermaps.dev/internal/issue"
	"explorermaps.dev/internal/poi"
	"explorermaps.dev/internal/protocol"
)

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("%w: world=w", ErrNotCached), protocol.ErrNotCached},
		{fmt.Errorf("%w: x", issue.ErrNoTarget), protocol.ErrNoTarget},
		{issue.ErrWorldUnavailable, protocol.ErrWorldNotFound},
		{poi.ErrUnknownWorld, protocol.ErrWorldNotFound},
		{ErrLoopStopped, protocol.ErrBusy},
		{errors.New("boom"), protocol.ErrInternal},
	}
	for _, c := range cases {
		if got := ErrorCode(c.err); got != c.want {
			t.Fatalf("ErrorCode(%v)=%q want %q", c.err, got, c.want)
		}
	}
}

func TestIssuedMessage(t *testing.T) {
	res := Result{
		Cached: true,
		Artifact: issue.Artifact{
			ID:     "a1",
			MapID:  7,
			Target: poi.POI{World: "w", X: 1, Y: 2, Z: 3, Type: "VILLAGE", Schematic: "hut"},
			View:   &issue.View{CenterX: -8, CenterZ: 16, Scale: issue.Far},
		},
		Delivery: issue.Delivery{Slot: -1, Dropped: true, X: 1, Y: 64, Z: 2},
	}
	m := IssuedMessage("r1", res)
	if m.Type != protocol.TypeIssued || m.ReqID != "r1" || m.MapID != 7 || m.Scale != 3 {
		t.Fatalf("msg=%+v", m)
	}
	if m.Center != [2]int32{-8, 16} || m.Target.Pos != [3]int32{1, 2, 3} || !m.Delivery.Dropped {
		t.Fatalf("msg=%+v", m)
	}
}
