package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/park285/chess-tempo/internal/book"
	"github.com/park285/chess-tempo/internal/clock"
	"github.com/park285/chess-tempo/internal/dispatch"
	"github.com/park285/chess-tempo/internal/strength"
)

// Worker transports.
const (
	TransportLocal = "local"
	TransportWS    = "ws"
	TransportRedis = "redis"
)

type AppConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	WorkerTransport string `yaml:"worker_transport"`
	WorkerURL       string `yaml:"worker_url"`
	WorkerAddr      string `yaml:"worker_addr"`
	RedisURL        string `yaml:"redis_url"`

	StockfishPath  string `yaml:"stockfish_path"`
	EngineThreads  int    `yaml:"engine_threads"`
	EnginePoolSize int    `yaml:"engine_pool_size"`

	TimeControl       string `yaml:"time_control"`
	ClockResolutionMs int    `yaml:"clock_resolution_ms"`
	MovesToGo         int    `yaml:"moves_to_go"`

	StrengthMode   string `yaml:"strength_mode"`
	StrengthAuto   bool   `yaml:"strength_auto"`
	StrengthElo    int    `yaml:"strength_elo"`
	StrengthPreset string `yaml:"strength_preset"`
	ManualDepth    int    `yaml:"manual_depth"`
	ManualMoveTime int64  `yaml:"manual_movetime"`
	ManualMultiPV  int    `yaml:"manual_multipv"`

	DispatchCapacity int `yaml:"dispatch_capacity"`
	DispatchGraceMs  int `yaml:"dispatch_grace_ms"`

	PolyglotBookPath string `yaml:"polyglot_book_path"`
	BookMaxPly       int    `yaml:"book_max_ply"`
}

func defaults() *AppConfig {
	return &AppConfig{
		HTTPAddr:          ":8080",
		WorkerTransport:   TransportLocal,
		WorkerAddr:        ":8090",
		EngineThreads:     1,
		TimeControl:       clock.DefaultTimeControl.String(),
		ClockResolutionMs: int(clock.DefaultResolution / time.Millisecond),
		StrengthMode:      string(strength.ModePlay),
		StrengthAuto:      true,
		StrengthElo:       1500,
		DispatchCapacity:  dispatch.DefaultCapacity,
		DispatchGraceMs:   int(dispatch.DefaultGrace / time.Millisecond),
		BookMaxPly:        book.DefaultMaxPly,
	}
}

// Load reads defaults, then the YAML file named by TEMPO_CONFIG, then environment variables.
func Load() (*AppConfig, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("TEMPO_CONFIG")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() error {
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.WorkerTransport, "WORKER_TRANSPORT")
	setString(&c.WorkerURL, "WORKER_URL")
	setString(&c.WorkerAddr, "WORKER_ADDR")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.StockfishPath, "STOCKFISH_PATH")
	setString(&c.TimeControl, "TIME_CONTROL")
	setString(&c.StrengthMode, "STRENGTH_MODE")
	setString(&c.StrengthPreset, "STRENGTH_PRESET")
	setString(&c.PolyglotBookPath, "POLYGLOT_BOOK_PATH")

	ints := []struct {
		key string
		dst *int
	}{
		{"ENGINE_THREADS", &c.EngineThreads},
		{"ENGINE_POOL_SIZE", &c.EnginePoolSize},
		{"CLOCK_RESOLUTION_MS", &c.ClockResolutionMs},
		{"MOVES_TO_GO", &c.MovesToGo},
		{"STRENGTH_ELO", &c.StrengthElo},
		{"MANUAL_DEPTH", &c.ManualDepth},
		{"MANUAL_MULTIPV", &c.ManualMultiPV},
		{"DISPATCH_CAPACITY", &c.DispatchCapacity},
		{"DISPATCH_GRACE_MS", &c.DispatchGraceMs},
		{"BOOK_MAX_PLY", &c.BookMaxPly},
	}
	for _, it := range ints {
		if err := setInt(it.dst, it.key); err != nil {
			return err
		}
	}
	if v := strings.TrimSpace(os.Getenv("MANUAL_MOVETIME")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MANUAL_MOVETIME: %w", err)
		}
		c.ManualMoveTime = n
	}
	if v := strings.TrimSpace(os.Getenv("STRENGTH_AUTO")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STRENGTH_AUTO: %w", err)
		}
		c.StrengthAuto = b
	}
	return nil
}

// Validate checks cross-field requirements.
func (c *AppConfig) Validate() error {
	c.WorkerTransport = strings.ToLower(strings.TrimSpace(c.WorkerTransport))
	switch c.WorkerTransport {
	case TransportLocal:
	case TransportWS:
		if c.WorkerURL == "" {
			return errors.New("WORKER_URL is required for ws transport")
		}
	case TransportRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for redis transport")
		}
	default:
		return fmt.Errorf("unknown WORKER_TRANSPORT %q", c.WorkerTransport)
	}
	if _, err := c.Clock(); err != nil {
		return err
	}
	if _, err := c.Tuning(); err != nil {
		return err
	}
	if c.ClockResolutionMs <= 0 {
		return fmt.Errorf("CLOCK_RESOLUTION_MS must be > 0: %d", c.ClockResolutionMs)
	}
	if c.DispatchCapacity <= 0 {
		return fmt.Errorf("DISPATCH_CAPACITY must be > 0: %d", c.DispatchCapacity)
	}
	return nil
}

func (c *AppConfig) Clock() (clock.TimeControl, error) {
	return clock.ParseTimeControl(c.TimeControl)
}

func (c *AppConfig) ClockResolution() time.Duration {
	return time.Duration(c.ClockResolutionMs) * time.Millisecond
}

func (c *AppConfig) DispatchGrace() time.Duration {
	return time.Duration(c.DispatchGraceMs) * time.Millisecond
}

// Tuning builds the initial strength configuration. A preset wins over STRENGTH_ELO.
func (c *AppConfig) Tuning() (strength.TuningConfig, error) {
	elo := c.StrengthElo
	if p := strings.TrimSpace(c.StrengthPreset); p != "" {
		v, err := strength.ResolvePreset(p)
		if err != nil {
			return nil, err
		}
		elo = v
	}
	return strength.Settings{
		Mode:     strength.Mode(c.StrengthMode),
		Auto:     c.StrengthAuto,
		EloLike:  elo,
		Depth:    c.ManualDepth,
		MoveTime: c.ManualMoveTime,
		MultiPV:  c.ManualMultiPV,
	}.Config()
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
