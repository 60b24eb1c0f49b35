package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeControl is a base allotment plus a per-move increment.
type TimeControl struct {
	Base      time.Duration
	Increment time.Duration
}

var DefaultTimeControl = TimeControl{Base: 5 * time.Minute, Increment: 3 * time.Second}

// Untimed reports whether tc carries no time at all.
func (tc TimeControl) Untimed() bool {
	return tc.Base <= 0 && tc.Increment <= 0
}

// String formats tc as "minutes+seconds", e.g. "5+3".
func (tc TimeControl) String() string {
	if tc.Untimed() {
		return "none"
	}
	minutes := strconv.FormatFloat(tc.Base.Minutes(), 'f', -1, 64)
	return fmt.Sprintf("%s+%d", minutes, int64(tc.Increment/time.Second))
}

// ParseTimeControl accepts "5+3", "10" (no increment), "0.5+1" and "none".
func ParseTimeControl(raw string) (TimeControl, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" || s == "none" || s == "-" {
		return TimeControl{}, nil
	}
	basePart, incPart, hasInc := strings.Cut(s, "+")
	minutes, err := strconv.ParseFloat(strings.TrimSpace(basePart), 64)
	if err != nil || minutes < 0 {
		return TimeControl{}, fmt.Errorf("invalid base minutes in time control %q", raw)
	}
	var seconds float64
	if hasInc {
		seconds, err = strconv.ParseFloat(strings.TrimSpace(incPart), 64)
		if err != nil || seconds < 0 {
			return TimeControl{}, fmt.Errorf("invalid increment seconds in time control %q", raw)
		}
	}
	return TimeControl{
		Base:      time.Duration(minutes * float64(time.Minute)),
		Increment: time.Duration(seconds * float64(time.Second)),
	}, nil
}
