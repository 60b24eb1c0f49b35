package clock

import (
	"fmt"
	"sync"
	"time"
)

const (
	DefaultResolution  = 100 * time.Millisecond
	defaultEventBuffer = 64
)

// Side identifies which player's clock is meant.
type Side int

const (
	White Side = iota
	Black
)

func (s Side) String() string {
	if s == Black {
		return "black"
	}
	return "white"
}

// Opponent returns the other side.
func (s Side) Opponent() Side {
	if s == White {
		return Black
	}
	return White
}

// ParseSide accepts "white"/"w" and "black"/"b".
func ParseSide(raw string) (Side, error) {
	switch raw {
	case "white", "w", "White", "WHITE":
		return White, nil
	case "black", "b", "Black", "BLACK":
		return Black, nil
	}
	return White, fmt.Errorf("unknown side %q", raw)
}

// Phase is the clock's lifecycle state.
type Phase int

const (
	Idle Phase = iota
	Running
	Flagged
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Flagged:
		return "flagged"
	default:
		return "idle"
	}
}

// State is a point-in-time snapshot of the clock.
type State struct {
	BaseMs      int64
	IncMs       int64
	WhiteMs     int64
	BlackMs     int64
	Turn        Side
	Phase       Phase
	FlaggedSide Side
}

func (s State) Running() bool { return s.Phase == Running }
func (s State) Flagged() bool { return s.Phase == Flagged }

// Remaining returns the time left for side.
func (s State) Remaining(side Side) int64 {
	if side == Black {
		return s.BlackMs
	}
	return s.WhiteMs
}

// Display receives rendered clock text.
type Display interface {
	SetText(text string)
}

type Option func(*Clock)

// WithResolution sets the tick period. Each tick subtracts exactly this amount.
func WithResolution(d time.Duration) Option {
	return func(c *Clock) {
		if d > 0 {
			c.resolution = d
		}
	}
}

func WithEventBuffer(n int) Option {
	return func(c *Clock) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithTimeControl sets the initial time control instead of the 5+3 default.
func WithTimeControl(tc TimeControl) Option {
	return func(c *Clock) { c.initial = tc }
}

// Clock is a two-sided chess clock with increment and flag handling.
type Clock struct {
	resolution time.Duration
	bufferSize int
	initial    TimeControl

	mu          sync.Mutex
	baseMs      int64
	incMs       int64
	whiteMs     int64
	blackMs     int64
	turn        Side
	phase       Phase
	flaggedSide Side
	stop        chan struct{} // nil when no ticker goroutine is alive

	events chan Event
}

// New returns an idle clock set to the default 5 minutes + 3 seconds.
func New(opts ...Option) *Clock {
	c := &Clock{
		resolution: DefaultResolution,
		bufferSize: defaultEventBuffer,
		initial:    DefaultTimeControl,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = make(chan Event, c.bufferSize)
	c.applyLocked(c.initial)
	return c
}

// Events delivers tick and flag notifications in order. Ticks may be dropped for
// a slow reader; flags are not.
func (c *Clock) Events() <-chan Event { return c.events }

func (c *Clock) Resolution() time.Duration { return c.resolution }

// Set resets both sides to baseMinutes and the increment to incSeconds.
func (c *Clock) Set(baseMinutes, incSeconds int) {
	c.SetTimeControl(TimeControl{
		Base:      time.Duration(baseMinutes) * time.Minute,
		Increment: time.Duration(incSeconds) * time.Second,
	})
}

// SetTimeControl resets the clock to tc. Any ticking is stopped first.
func (c *Clock) SetTimeControl(tc TimeControl) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTickerLocked()
	c.applyLocked(tc)
}

// SetRemaining overrides one side's remaining time without touching the base.
func (c *Clock) SetRemaining(side Side, ms int64) {
	if ms < 0 {
		ms = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if side == Black {
		c.blackMs = ms
	} else {
		c.whiteMs = ms
	}
}

// SetTurn makes side the one whose time runs.
func (c *Clock) SetTurn(side Side) {
	c.mu.Lock()
	c.turn = side
	c.mu.Unlock()
}

// Reset restores the last time control.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTickerLocked()
	c.applyLocked(TimeControl{
		Base:      time.Duration(c.baseMs) * time.Millisecond,
		Increment: time.Duration(c.incMs) * time.Millisecond,
	})
}

// Start begins ticking, replacing any ticker already running.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked()
}

// StartIfNotRunning starts the clock unless it is already running.
func (c *Clock) StartIfNotRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Running {
		return
	}
	c.startLocked()
}

// Pause stops ticking. Calling it on a stopped clock is a no-op.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTickerLocked()
	if c.phase == Running {
		c.phase = Idle
	}
}

// OnMoveApplied credits the increment to the side that just moved and passes the turn.
func (c *Clock) OnMoveApplied() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == White {
		c.whiteMs += c.incMs
	} else {
		c.blackMs += c.incMs
	}
	c.turn = c.turn.Opponent()
}

// Tick advances the running side by one resolution step.
func (c *Clock) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked()
}

// State returns a snapshot.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		BaseMs:      c.baseMs,
		IncMs:       c.incMs,
		WhiteMs:     c.whiteMs,
		BlackMs:     c.blackMs,
		Turn:        c.turn,
		Phase:       c.phase,
		FlaggedSide: c.flaggedSide,
	}
}

// Untimed reports whether the clock carries no time control.
func (c *Clock) Untimed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseMs == 0 && c.incMs == 0
}

// RenderTo writes mm:ss for each side. Nil displays are skipped.
func (c *Clock) RenderTo(white, black Display) {
	st := c.State()
	if white != nil {
		white.SetText(FormatMs(st.WhiteMs))
	}
	if black != nil {
		black.SetText(FormatMs(st.BlackMs))
	}
}

func (c *Clock) ticking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop != nil
}

func (c *Clock) applyLocked(tc TimeControl) {
	c.baseMs = tc.Base.Milliseconds()
	c.incMs = tc.Increment.Milliseconds()
	c.whiteMs = c.baseMs
	c.blackMs = c.baseMs
	c.turn = White
	c.phase = Idle
	c.flaggedSide = White
}

func (c *Clock) startLocked() {
	c.stopTickerLocked()
	c.phase = Running
	stop := make(chan struct{})
	c.stop = stop
	go c.run(stop)
}

func (c *Clock) stopTickerLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Clock) run(stop chan struct{}) {
	t := time.NewTicker(c.resolution)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			// a replaced ticker must not tick on behalf of its successor
			if c.stop != stop {
				c.mu.Unlock()
				return
			}
			c.tickLocked()
			alive := c.stop == stop
			c.mu.Unlock()
			if !alive {
				return
			}
		}
	}
}

func (c *Clock) tickLocked() {
	if c.phase != Running {
		return
	}
	step := c.resolution.Milliseconds()
	remaining := &c.whiteMs
	if c.turn == Black {
		remaining = &c.blackMs
	}
	*remaining -= step
	if *remaining <= 0 {
		*remaining = 0
		c.phase = Flagged
		c.flaggedSide = c.turn
		c.stopTickerLocked()
		c.publish(Event{Kind: EventFlag, Side: c.turn, WhiteMs: c.whiteMs, BlackMs: c.blackMs})
		return
	}
	c.publish(Event{Kind: EventTick, Side: c.turn, WhiteMs: c.whiteMs, BlackMs: c.blackMs})
}

// publish never blocks. When the buffer is full a flag evicts the oldest
// buffered tick; unread flags stay, and a flag that finds only flags is dropped.
func (c *Clock) publish(ev Event) {
	select {
	case c.events <- ev:
		return
	default:
	}
	if ev.Kind != EventFlag {
		return
	}

	var kept []Event
	evicted := false
drain:
	for {
		select {
		case old := <-c.events:
			if !evicted && old.Kind == EventTick {
				evicted = true
				continue
			}
			kept = append(kept, old)
		default:
			break drain
		}
	}
	if evicted || len(kept) < cap(c.events) {
		kept = append(kept, ev)
	}
	for _, e := range kept {
		select {
		case c.events <- e:
		default:
		}
	}
}

// FormatMs renders milliseconds as mm:ss, truncating partial seconds.
func FormatMs(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	totalSeconds := ms / 1000
	return fmt.Sprintf("%02d:%02d", totalSeconds/60, totalSeconds%60)
}
