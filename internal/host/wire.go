package host

import (
	"errors"

	"explorermaps.dev/internal/issue"
	"explorermaps.dev/internal/poi"
	"explorermaps.dev/internal/protocol"
)

// ErrorCode maps a handout failure onto a protocol error code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotCached):
		return protocol.ErrNotCached
	case errors.Is(err, issue.ErrNoTarget):
		return protocol.ErrNoTarget
	case errors.Is(err, issue.ErrWorldUnavailable), errors.Is(err, poi.ErrUnknownWorld):
		return protocol.ErrWorldNotFound
	case errors.Is(err, ErrLoopStopped):
		return protocol.ErrBusy
	}
	return protocol.ErrInternal
}

// IssuedMessage renders a handout as an ISSUED message.
func IssuedMessage(reqID string, res Result) protocol.IssuedMsg {
	a, d := res.Artifact, res.Delivery
	m := protocol.IssuedMsg{
		Type:            protocol.TypeIssued,
		ProtocolVersion: protocol.Version,
		ReqID:           reqID,
		ArtifactID:      a.ID,
		MapID:           a.MapID,
		DisplayName:     a.DisplayName,
		Lore:            a.Lore,
		Target: protocol.Target{
			World:         a.Target.World,
			StructureType: a.Target.Type,
			Schematic:     a.Target.Schematic,
			Pos:           [3]int32{a.Target.X, a.Target.Y, a.Target.Z},
		},
		Cached:   res.Cached,
		Delivery: protocol.DeliveryTo{Slot: d.Slot, Dropped: d.Dropped, Pos: [3]float64{d.X, d.Y, d.Z}},
	}
	if a.View != nil {
		m.Center = [2]int32{a.View.CenterX, a.View.CenterZ}
		m.Scale = int(a.View.Scale)
	}
	return m
}
