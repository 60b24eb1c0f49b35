package strength

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Preset is a named difficulty level.
type Preset struct {
	Name    string
	EloLike int
	HashMB  int
}

var DefaultPresets = map[string]Preset{
	"level1": {Name: "level1", EloLike: 800, HashMB: 16},
	"level2": {Name: "level2", EloLike: 1000, HashMB: 16},
	"level3": {Name: "level3", EloLike: 1200, HashMB: 24},
	"level4": {Name: "level4", EloLike: 1400, HashMB: 32},
	"level5": {Name: "level5", EloLike: 1650, HashMB: 48},
	"level6": {Name: "level6", EloLike: 1900, HashMB: 64},
	"level7": {Name: "level7", EloLike: 2300, HashMB: 96},
	"level8": {Name: "level8", EloLike: 3000, HashMB: 128},
}

// GetPreset resolves a level name or one of the aliases beginner, intermediate,
// advanced and master.
func GetPreset(name string) (Preset, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "beginner":
		key = "level1"
	case "intermediate":
		key = "level5"
	case "advanced":
		key = "level7"
	case "master":
		key = "level8"
	}
	if p, ok := DefaultPresets[key]; ok {
		return p, nil
	}
	return Preset{}, fmt.Errorf("unknown strength preset: %s", name)
}

// ResolvePreset accepts a preset name or a bare number and returns an Elo-like value.
func ResolvePreset(raw string) (int, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		return n, nil
	}
	p, err := GetPreset(raw)
	if err != nil {
		return 0, err
	}
	return p.EloLike, nil
}

// PresetFor returns the strongest preset whose Elo-like value does not exceed elo.
func PresetFor(elo int) Preset {
	list := make([]Preset, 0, len(DefaultPresets))
	for _, p := range DefaultPresets {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].EloLike < list[j].EloLike })
	best := list[0]
	for _, p := range list {
		if p.EloLike <= elo {
			best = p
		}
	}
	return best
}
