package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/banshee-data/sortgate/internal/protocol"
	"github.com/banshee-data/sortgate/internal/serialmux"
	"github.com/banshee-data/sortgate/internal/sorting"
	"github.com/banshee-data/sortgate/internal/timeutil"
)

const (
	DefaultSerialPort  = "/dev/ttyUSB0"
	DefaultListen      = ":8080"
	DefaultJournalPath = "sortgate.db"
	DefaultProtocol    = "default"
	DefaultImageWidth  = 640
	DefaultImageHeight = 480
)

// Config is the root sortgate configuration. Every field is optional; the
// Get* methods supply defaults for anything the file leaves out.
type Config struct {
	SessionID *string `json:"session_id,omitempty"`

	// Protocol names a built-in protocol map (see protocol.Protocols).
	Protocol *string `json:"protocol,omitempty"`
	// ClassMapping maps category names or ids to protocol class ids and
	// replaces the named protocol when present.
	ClassMapping map[string]int `json:"class_mapping,omitempty"`

	// Cooldown params
	MinInterval       *string           `json:"min_interval,omitempty"` // duration string like "100ms"
	MaxQueueSize      *int              `json:"max_queue_size,omitempty"`
	CategoryCooldowns map[string]string `json:"category_cooldowns,omitempty"` // protocol class id -> duration

	// Stability params
	StabilityThreshold *string  `json:"stability_threshold,omitempty"`
	DetectionReset     *string  `json:"detection_reset,omitempty"`
	PositionTolerance  *float64 `json:"position_tolerance,omitempty"`
	MinDetectionCount  *int     `json:"min_detection_count,omitempty"`
	MaxRetryCount      *int     `json:"max_retry_count,omitempty"`

	// Tracking params
	TrackExpiry         *string `json:"track_expiry,omitempty"`
	NoDetectionTick     *string `json:"no_detection_tick,omitempty"`
	ResetFromTimestamps *bool   `json:"reset_from_timestamps,omitempty"`

	// Camera geometry handed to Session.Initialize
	ImageWidth  *int `json:"image_width,omitempty"`
	ImageHeight *int `json:"image_height,omitempty"`

	Serial      *SerialConfig `json:"serial,omitempty"`
	Listen      *string       `json:"listen,omitempty"`
	JournalPath *string       `json:"journal_path,omitempty"`
}

// SerialConfig selects and configures the actuator port.
type SerialConfig struct {
	Port     *string `json:"port,omitempty"`
	Disabled *bool   `json:"disabled,omitempty"`
	serialmux.PortOptions
}

// EnvOverrides are applied on top of the file by ApplyEnv. Empty values are
// ignored.
type EnvOverrides struct {
	SerialPort    string `env:"SORTGATE_SERIAL_PORT"`
	DisableSerial bool   `env:"SORTGATE_DISABLE_SERIAL"`
	Listen        string `env:"SORTGATE_LISTEN"`
	JournalPath   string `env:"SORTGATE_JOURNAL_PATH"`
	Protocol      string `env:"SORTGATE_PROTOCOL"`
	SessionID     string `env:"SORTGATE_SESSION_ID"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrBool(v bool) *bool       { return &v }

// EmptyConfig returns a Config with every field unset.
func EmptyConfig() *Config {
	return &Config{}
}

// LoadConfig loads a Config from a JSON file. Fields omitted from the file
// keep their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays SORTGATE_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(env.Options{})
}

func (c *Config) applyEnv(opts env.Options) error {
	var o EnvOverrides
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.SerialPort != "" || o.DisableSerial {
		if c.Serial == nil {
			c.Serial = &SerialConfig{}
		}
		if o.SerialPort != "" {
			c.Serial.Port = ptrString(o.SerialPort)
		}
		if o.DisableSerial {
			c.Serial.Disabled = ptrBool(true)
		}
	}
	if o.Listen != "" {
		c.Listen = ptrString(o.Listen)
	}
	if o.JournalPath != "" {
		c.JournalPath = ptrString(o.JournalPath)
	}
	if o.Protocol != "" {
		c.Protocol = ptrString(o.Protocol)
	}
	if o.SessionID != "" {
		c.SessionID = ptrString(o.SessionID)
	}
	return c.Validate()
}

// Validate checks that set values parse and fall within range.
func (c *Config) Validate() error {
	for name, d := range map[string]*string{
		"min_interval":        c.MinInterval,
		"stability_threshold": c.StabilityThreshold,
		"detection_reset":     c.DetectionReset,
		"track_expiry":        c.TrackExpiry,
		"no_detection_tick":   c.NoDetectionTick,
	} {
		if d == nil || *d == "" {
			continue
		}
		if _, err := time.ParseDuration(*d); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
	}

	if c.Protocol != nil {
		if _, err := protocol.Mapping(*c.Protocol); err != nil {
			return err
		}
	}
	if _, err := c.GetClassMapping(); err != nil {
		return err
	}
	if _, err := c.categoryCooldowns(); err != nil {
		return err
	}

	if c.PositionTolerance != nil && (*c.PositionTolerance < 0 || *c.PositionTolerance > 1) {
		return fmt.Errorf("position_tolerance must be between 0 and 1, got %f", *c.PositionTolerance)
	}
	if c.MinDetectionCount != nil && *c.MinDetectionCount < 1 {
		return fmt.Errorf("min_detection_count must be at least 1, got %d", *c.MinDetectionCount)
	}
	if c.MaxQueueSize != nil && *c.MaxQueueSize < 0 {
		return fmt.Errorf("max_queue_size must be non-negative, got %d", *c.MaxQueueSize)
	}
	if c.ImageWidth != nil && *c.ImageWidth <= 0 {
		return fmt.Errorf("image_width must be positive, got %d", *c.ImageWidth)
	}
	if c.ImageHeight != nil && *c.ImageHeight <= 0 {
		return fmt.Errorf("image_height must be positive, got %d", *c.ImageHeight)
	}
	if c.Serial != nil {
		if _, err := c.Serial.PortOptions.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	return nil
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetProtocol returns the protocol name or "default".
func (c *Config) GetProtocol() string {
	if c.Protocol == nil || *c.Protocol == "" {
		return DefaultProtocol
	}
	return *c.Protocol
}

// GetClassMapping resolves the category to protocol class id table from
// class_mapping, falling back to the named protocol.
func (c *Config) GetClassMapping() (map[sorting.Category]uint8, error) {
	out := make(map[sorting.Category]uint8)
	if len(c.ClassMapping) > 0 {
		for key, id := range c.ClassMapping {
			var cat sorting.Category
			if err := cat.UnmarshalText([]byte(key)); err != nil {
				return nil, fmt.Errorf("class_mapping: %w", err)
			}
			if id < 0 || id > protocol.MaxCoordinate {
				return nil, fmt.Errorf("class_mapping: %s maps to %d, want a byte value", key, id)
			}
			out[cat] = uint8(id)
		}
		return out, nil
	}

	named, err := protocol.Mapping(c.GetProtocol())
	if err != nil {
		return nil, err
	}
	enc := protocol.NewEncoder(named)
	for _, cat := range sorting.Categories {
		id := enc.ProtocolID(int(cat))
		if id < 0 || id > protocol.MaxCoordinate {
			return nil, fmt.Errorf("protocol %s: %s maps to %d, want a byte value", c.GetProtocol(), cat, id)
		}
		out[cat] = uint8(id)
	}
	return out, nil
}

func (c *Config) categoryCooldowns() (map[uint8]time.Duration, error) {
	if len(c.CategoryCooldowns) == 0 {
		return nil, nil
	}
	out := make(map[uint8]time.Duration, len(c.CategoryCooldowns))
	for key, raw := range c.CategoryCooldowns {
		id, err := strconv.ParseUint(key, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("category_cooldowns: invalid class id %q", key)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("category_cooldowns: invalid duration for class %s: %w", key, err)
		}
		out[uint8(id)] = d
	}
	return out, nil
}

// GetCooldownPolicy builds the cooldown policy. Unlike the scalar getters
// it fails on a malformed category_cooldowns entry rather than drop it.
func (c *Config) GetCooldownPolicy() (sorting.CooldownPolicy, error) {
	p := sorting.DefaultCooldownPolicy()
	p.MinInterval = parseDurationOr(c.MinInterval, p.MinInterval)
	if c.MaxQueueSize != nil {
		p.MaxQueueSize = *c.MaxQueueSize
	}
	overrides, err := c.categoryCooldowns()
	if err != nil {
		return sorting.CooldownPolicy{}, err
	}
	p.CategoryCooldowns = overrides
	return p, nil
}

// GetStabilityPolicy builds the stability policy.
func (c *Config) GetStabilityPolicy() sorting.StabilityPolicy {
	p := sorting.DefaultStabilityPolicy()
	p.StabilityThreshold = parseDurationOr(c.StabilityThreshold, p.StabilityThreshold)
	p.DetectionReset = parseDurationOr(c.DetectionReset, p.DetectionReset)
	if c.PositionTolerance != nil {
		p.PositionTolerance = *c.PositionTolerance
	}
	if c.MinDetectionCount != nil {
		p.MinDetectionCount = *c.MinDetectionCount
	}
	if c.MaxRetryCount != nil {
		p.MaxRetryCount = *c.MaxRetryCount
	}
	return p
}

// SessionOptions assembles session construction options. The clock may
// be nil.
func (c *Config) SessionOptions(clock timeutil.Clock) (sorting.SessionOptions, error) {
	mapping, err := c.GetClassMapping()
	if err != nil {
		return sorting.SessionOptions{}, err
	}
	cooldown, err := c.GetCooldownPolicy()
	if err != nil {
		return sorting.SessionOptions{}, err
	}
	stability := c.GetStabilityPolicy()
	opts := sorting.SessionOptions{
		ClassMapping:        mapping,
		Cooldown:            &cooldown,
		Stability:           &stability,
		Clock:               clock,
		TrackExpiry:         parseDurationOr(c.TrackExpiry, sorting.DefaultTrackExpiry),
		NoDetectionTick:     parseDurationOr(c.NoDetectionTick, sorting.DefaultNoDetectionTick),
		ResetFromTimestamps: c.ResetFromTimestamps != nil && *c.ResetFromTimestamps,
	}
	if c.SessionID != nil {
		opts.ID = *c.SessionID
	}
	return opts, nil
}

// GetImageSize returns the camera geometry, defaulting to 640x480.
func (c *Config) GetImageSize() (width, height int) {
	width, height = DefaultImageWidth, DefaultImageHeight
	if c.ImageWidth != nil {
		width = *c.ImageWidth
	}
	if c.ImageHeight != nil {
		height = *c.ImageHeight
	}
	return width, height
}

// GetSerialPort returns the actuator device path.
func (c *Config) GetSerialPort() string {
	if c.Serial == nil || c.Serial.Port == nil || *c.Serial.Port == "" {
		return DefaultSerialPort
	}
	return *c.Serial.Port
}

// GetSerialDisabled reports whether packets should be discarded instead of
// written to hardware.
func (c *Config) GetSerialDisabled() bool {
	return c.Serial != nil && c.Serial.Disabled != nil && *c.Serial.Disabled
}

// GetPortOptions returns the serial line settings.
func (c *Config) GetPortOptions() serialmux.PortOptions {
	if c.Serial == nil {
		return serialmux.PortOptions{}
	}
	return c.Serial.PortOptions
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return DefaultListen
	}
	return *c.Listen
}

// GetJournalPath returns the sqlite journal path. An explicit empty string
// disables the journal.
func (c *Config) GetJournalPath() string {
	if c.JournalPath == nil {
		return DefaultJournalPath
	}
	return *c.JournalPath
}
