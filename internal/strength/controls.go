package strength

import (
	"fmt"
	"maps"
	"strings"
	"sync"
)

// Controls is an OptionSetter that records the exposed search controls. Requests
// to the worker are built from a Snapshot.
type Controls struct {
	mu       sync.RWMutex
	options  map[string]string
	depth    int
	moveTime int64
	multiPV  int
}

// ControlState is a copy of the recorded controls.
type ControlState struct {
	Options  map[string]string
	Depth    int
	MoveTime int64
	MultiPV  int
}

func NewControls() *Controls {
	return &Controls{options: make(map[string]string), multiPV: 1}
}

func (c *Controls) SetOption(name, value string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("option name required")
	}
	c.mu.Lock()
	c.options[name] = value
	c.mu.Unlock()
	return nil
}

func (c *Controls) SetDepth(depth int) error {
	if depth <= 0 {
		return fmt.Errorf("depth must be > 0: %d", depth)
	}
	c.mu.Lock()
	c.depth = depth
	c.mu.Unlock()
	return nil
}

func (c *Controls) SetMoveTime(ms int64) error {
	if ms <= 0 {
		return fmt.Errorf("movetime must be > 0: %d", ms)
	}
	c.mu.Lock()
	c.moveTime = ms
	c.mu.Unlock()
	return nil
}

func (c *Controls) SetMultiPV(n int) error {
	if n <= 0 {
		return fmt.Errorf("multipv must be > 0: %d", n)
	}
	c.mu.Lock()
	c.multiPV = n
	c.mu.Unlock()
	return nil
}

func (c *Controls) Snapshot() ControlState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ControlState{
		Options:  maps.Clone(c.options),
		Depth:    c.depth,
		MoveTime: c.moveTime,
		MultiPV:  c.multiPV,
	}
}
