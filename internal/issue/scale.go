package issue

import "fmt"

// ScaleLevel is the host's map zoom level.
type ScaleLevel uint8

const (
	Closest ScaleLevel = iota
	Close
	Normal
	Far
	Farthest
)

func (l ScaleLevel) BlocksPerPixel() int { return 1 << l }

func (l ScaleLevel) String() string {
	switch l {
	case Closest:
		return "closest"
	case Close:
		return "close"
	case Normal:
		return "normal"
	case Far:
		return "far"
	case Farthest:
		return "farthest"
	}
	return fmt.Sprintf("scale(%d)", uint8(l))
}

func ParseScaleLevel(n int) (ScaleLevel, error) {
	if n < int(Closest) || n > int(Farthest) {
		return 0, fmt.Errorf("issue: scale level %d out of range 0-4", n)
	}
	return ScaleLevel(n), nil
}
