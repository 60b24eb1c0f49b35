package clock

type EventKind int

const (
	EventTick EventKind = iota
	EventFlag
)

func (k EventKind) String() string {
	if k == EventFlag {
		return "flag"
	}
	return "tick"
}

// Event is emitted by the clock after each tick. Side is the side whose time ran.
type Event struct {
	Kind    EventKind
	Side    Side
	WhiteMs int64
	BlackMs int64
}
