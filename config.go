package lgrdisk

/*
config.go

YAML configuration of a log directory, as used by the command line tool:

	dir: ./logs
	rotation: daily
	max_file_size: 10M
	flush: {lines: 100, bytes: 64K, interval: 1s}
	archive: {enabled: true, granularity: daily, codec: zstd, delay: 1m}
	retention: 7d
	coordinator: {stale: 30s}
	timezone: Europe/Berlin

Sizes accept K, M and G suffixes (binary multiples, optional "iB"/"B");
"off" disables a size limit.
*/

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/abyssdigger/lgrdisk/codec"
	"gopkg.in/yaml.v3"
)

// Size is a byte count decoded from human notation.
type Size int64

// ParseSize decodes "512", "64K", "10M", "1G", "10MiB", "10MB" or "off" (-1).
func ParseSize(s string) (Size, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	bad := &ParseError{Kind: "size", Value: s, Err: ErrBadSize}
	switch v {
	case "":
		return 0, bad
	case "OFF", "NONE", "-1":
		return -1, nil
	}
	v = strings.TrimSuffix(v, "B")
	v = strings.TrimSuffix(v, "I")
	if v == "" {
		return 0, bad
	}
	mult := int64(1)
	switch v[len(v)-1:] {
	case "K":
		mult = 1 << 10
	case "M":
		mult = 1 << 20
	case "G":
		mult = 1 << 30
	}
	if mult > 1 {
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 || n > (1<<62)/mult {
		return 0, bad
	}
	return Size(n * mult), nil
}

func (s *Size) UnmarshalText(b []byte) error {
	v, err := ParseSize(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	if s < 0 {
		return []byte("off"), nil
	}
	return []byte(strconv.FormatInt(int64(s), 10)), nil
}

// Config is the file form of the settings of one log directory.
type Config struct {
	Dir         string            `yaml:"dir"`
	Rotation    Granularity       `yaml:"rotation"`
	MaxFileSize Size              `yaml:"max_file_size"`
	Flush       FlushConfig       `yaml:"flush"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Retention   *Retention        `yaml:"retention,omitempty"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Timezone    string            `yaml:"timezone,omitempty"`
}

type FlushConfig struct {
	Lines    int           `yaml:"lines"`
	Bytes    Size          `yaml:"bytes"`
	Interval time.Duration `yaml:"interval"`
}

type ArchiveConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Granularity Granularity   `yaml:"granularity"`
	Codec       string        `yaml:"codec"`
	OutDir      string        `yaml:"out_dir,omitempty"`
	Delay       time.Duration `yaml:"delay"`
}

type CoordinatorConfig struct {
	Stale      time.Duration `yaml:"stale"`
	Standalone bool          `yaml:"standalone"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Dir:         "./logs",
		Rotation:    DEFAULT_ROTATION,
		MaxFileSize: DEFAULT_MAX_FILE_SIZE,
		Flush: FlushConfig{
			Lines:    DEFAULT_FLUSH_LINES,
			Bytes:    DEFAULT_FLUSH_BYTES,
			Interval: DEFAULT_FLUSH_INTERVAL,
		},
		Archive: ArchiveConfig{
			Granularity: PERIOD_DAY,
			Codec:       "zstd",
			Delay:       DEFAULT_ARCHIVE_DELAY,
		},
		Coordinator: CoordinatorConfig{Stale: DEFAULT_COORD_STALE},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the
// defaults. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	err = cfg.decode(b)
	return cfg, err
}

// ParseConfig decodes YAML text over the defaults.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	err := cfg.decode(b)
	return cfg, err
}

func (c *Config) decode(b []byte) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(c)
}

// Location resolves Timezone, time.Local when empty.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// WriterOptions converts the config into writer options.
func (c Config) WriterOptions() (Options, error) {
	loc, err := c.Location()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Dir:           c.Dir,
		Rotation:      c.Rotation,
		MaxFileSize:   int64(c.MaxFileSize),
		FlushLines:    c.Flush.Lines,
		FlushBytes:    int(c.Flush.Bytes),
		FlushInterval: c.Flush.Interval,
		Location:      loc,
	}, nil
}

// ElectorOptions converts the coordinator section.
func (c Config) ElectorOptions() ElectorOptions {
	return ElectorOptions{Stale: c.Coordinator.Stale, Standalone: c.Coordinator.Standalone}
}

// ArchiverOptions converts the archive section.
func (c Config) ArchiverOptions(coord Coordinator) (ArchiverOptions, error) {
	loc, err := c.Location()
	if err != nil {
		return ArchiverOptions{}, err
	}
	cd, err := codec.ByName(c.Archive.Codec)
	if err != nil {
		return ArchiverOptions{}, err
	}
	return ArchiverOptions{
		Dir:         c.Dir,
		OutDir:      c.Archive.OutDir,
		Granularity: c.Archive.Granularity,
		Rotation:    c.Rotation,
		Codec:       cd,
		Delay:       c.Archive.Delay,
		Coordinator: coord,
		Location:    loc,
	}, nil
}

// RetentionOptions converts the retention setting; ok is false when no
// retention is configured.
func (c Config) RetentionOptions(coord Coordinator) (opts RetentionOptions, ok bool, err error) {
	if c.Retention == nil {
		return opts, false, nil
	}
	loc, err := c.Location()
	if err != nil {
		return opts, false, err
	}
	return RetentionOptions{
		Dir:         c.Dir,
		ArchiveDir:  c.Archive.OutDir,
		Retention:   *c.Retention,
		Rotation:    c.Rotation,
		Coordinator: coord,
		Location:    loc,
	}, true, nil
}
