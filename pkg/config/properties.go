package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/downfa11-org/go-binlog/pkg/replay"
	"github.com/downfa11-org/go-binlog/util"
	"gopkg.in/yaml.v3"
)

// Config represents the binlog engine configuration including tunable write options
type Config struct {
	// Replica location
	BinlogDir     string        `yaml:"binlog_dir" json:"binlog.dir"`
	ReplicaPrefix string        `yaml:"replica_prefix" json:"replica.prefix"`
	LogLevel      util.LogLevel `yaml:"log_level" json:"log_level"`

	// Writer
	SegmentSize        int64 `yaml:"segment_size" json:"segment.size"`
	DiskFlushBatchSize int   `yaml:"disk_flush_batch_size" json:"disk.flush.batch.size"`
	LingerMS           int   `yaml:"linger_ms" json:"linger.ms"`
	ChannelBufferSize  int   `yaml:"channel_buffer_size" json:"channel.buffer.size"`
	DiskWriteTimeoutMS int   `yaml:"disk_write_timeout_ms" json:"disk.write.timeout.ms"`
	SyncIntervalMS     int   `yaml:"sync_interval_ms" json:"sync.interval.ms"`
	CrcIntervalBytes   int   `yaml:"crc_interval_bytes" json:"crc.interval.bytes"`
	NamePower          int   `yaml:"name_power" json:"name.power"`

	// Rotation
	RotationRetryLimit     int `yaml:"rotation_retry_limit" json:"rotation.retry.limit"`
	RotationRetryTimeoutMS int `yaml:"rotation_retry_timeout_ms" json:"rotation.retry.timeout.ms"`

	// Replay
	MaxRecordSize  int  `yaml:"max_record_size" json:"max.record.size"`
	ReadChunkSize  int  `yaml:"read_chunk_size" json:"read.chunk.size"`
	SkipBadRecords bool `yaml:"skip_bad_records" json:"skip.bad.records"`

	// Stream flags
	DisableCrcCheck       bool `yaml:"disable_crc_check" json:"disable.crc.check"`
	DisableCrcWrite       bool `yaml:"disable_crc_write" json:"disable.crc.write"`
	DisableTimestampWrite bool `yaml:"disable_timestamp_write" json:"disable.timestamp.write"`
	StreamDisabled        bool `yaml:"stream_disabled" json:"stream.disabled"`
	FlushRarely           bool `yaml:"flush_rarely" json:"flush.rarely"`
	KeepHistory           bool `yaml:"keep_history" json:"keep.history"`

	// Sealed segment compression
	CompressionType string `yaml:"compression_type" json:"compression.type"`

	// Observability
	EnableExporter bool `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int  `yaml:"exporter_port" json:"exporter.port"`
}

type flagSpec struct {
	name  string
	def   string
	usage string
	apply func(cfg *Config, v string)
}

var flagSpecs = []flagSpec{
	{"binlog-dir", "binlog", "Directory holding the replica", func(c *Config, v string) { c.BinlogDir = v }},
	{"prefix", "binlog", "Replica file prefix", func(c *Config, v string) { c.ReplicaPrefix = v }},
	{"log-level", "info", "Log Level (debug, info, warn, error)", func(c *Config, v string) { c.LogLevel = util.ParseLogLevel(v) }},
	{"segment-size", "67108864", "Segment size in bytes before rotation", func(c *Config, v string) { c.SegmentSize = util.ParseInt64(v, c.SegmentSize) }},
	{"disk-flush-batch", "64", "Number of records per disk flush", func(c *Config, v string) { c.DiskFlushBatchSize = util.ParseInt(v, c.DiskFlushBatchSize) }},
	{"linger-ms", "20", "Maximum time to wait before flush (ms)", func(c *Config, v string) { c.LingerMS = util.ParseInt(v, c.LingerMS) }},
	{"channel-buffer", "1024", "Writer channel buffer size", func(c *Config, v string) { c.ChannelBufferSize = util.ParseInt(v, c.ChannelBufferSize) }},
	{"disk-write-timeout", "5", "Enqueue timeout before a synchronous write (ms)", func(c *Config, v string) { c.DiskWriteTimeoutMS = util.ParseInt(v, c.DiskWriteTimeoutMS) }},
	{"sync-interval-ms", "1000", "fsync interval of the active segment (ms)", func(c *Config, v string) { c.SyncIntervalMS = util.ParseInt(v, c.SyncIntervalMS) }},
	{"crc-interval", "65536", "Bytes between crc32 checkpoints", func(c *Config, v string) { c.CrcIntervalBytes = util.ParseInt(v, c.CrcIntervalBytes) }},
	{"name-power", "0", "Minimum decimal power used in segment names", func(c *Config, v string) { c.NamePower = util.ParseInt(v, c.NamePower) }},
	{"rotation-retry-limit", "100", "Rotation attempts before giving up", func(c *Config, v string) { c.RotationRetryLimit = util.ParseInt(v, c.RotationRetryLimit) }},
	{"rotation-retry-timeout-ms", "30000", "Time since first failed rotation before giving up (ms)", func(c *Config, v string) { c.RotationRetryTimeoutMS = util.ParseInt(v, c.RotationRetryTimeoutMS) }},
	{"max-record-size", "16777216", "Largest record the replay engine reassembles", func(c *Config, v string) { c.MaxRecordSize = util.ParseInt(v, c.MaxRecordSize) }},
	{"read-chunk-size", "65536", "Replay read chunk size", func(c *Config, v string) { c.ReadChunkSize = util.ParseInt(v, c.ReadChunkSize) }},
	{"skip-bad-records", "false", "Skip records the handler rejects", func(c *Config, v string) { c.SkipBadRecords = util.ParseBool(v, c.SkipBadRecords) }},
	{"disable-crc-check", "false", "Do not verify crc32 records", func(c *Config, v string) { c.DisableCrcCheck = util.ParseBool(v, c.DisableCrcCheck) }},
	{"disable-crc-write", "false", "Do not write crc32 records", func(c *Config, v string) { c.DisableCrcWrite = util.ParseBool(v, c.DisableCrcWrite) }},
	{"disable-timestamp-write", "false", "Do not write timestamp records", func(c *Config, v string) { c.DisableTimestampWrite = util.ParseBool(v, c.DisableTimestampWrite) }},
	{"stream-disabled", "false", "Accept appends without writing them", func(c *Config, v string) { c.StreamDisabled = util.ParseBool(v, c.StreamDisabled) }},
	{"flush-rarely", "false", "Only fsync on rotation and close", func(c *Config, v string) { c.FlushRarely = util.ParseBool(v, c.FlushRarely) }},
	{"keep-history", "false", "Keep rotation points after they are consumed", func(c *Config, v string) { c.KeepHistory = util.ParseBool(v, c.KeepHistory) }},
	{"compression", "lz4", "Codec for zipped segments (none, lz4, snappy, zstd, gzip)", func(c *Config, v string) { c.CompressionType = v }},
	{"exporter", "false", "Enable Prometheus exporter", func(c *Config, v string) { c.EnableExporter = util.ParseBool(v, c.EnableExporter) }},
	{"exporter-port", "9100", "Exporter port", func(c *Config, v string) { c.ExporterPort = util.ParseInt(v, c.ExporterPort) }},
}

// Flags are the command line overrides registered on a flag set.
type Flags struct {
	configPath *string
	values     []*string
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{
		configPath: fs.String("config", "", "Path to YAML/JSON config file"),
		values:     make([]*string, len(flagSpecs)),
	}
	for i, s := range flagSpecs {
		f.values[i] = fs.String(s.name, s.def, s.usage)
	}
	return f
}

// LoadConfig parses the process flags and loads the configuration.
func LoadConfig() (*Config, error) {
	f := RegisterFlags(flag.CommandLine)
	flag.Parse()
	return f.Load()
}

// Load builds a Config from flag defaults, the config file, environment
// overrides and explicitly set flags, in that order.
func (f *Flags) Load() (*Config, error) {
	cfg := &Config{}

	path := *f.configPath
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" && path == "" {
		path = envPath
	}

	f.applyDefaults(cfg)

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	f.applyExplicitFlags(cfg)

	cfg.Normalize()
	util.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (f *Flags) applyDefaults(cfg *Config) {
	for _, s := range flagSpecs {
		s.apply(cfg, s.def)
	}
}

func (f *Flags) applyExplicitFlags(cfg *Config) {
	for i, s := range flagSpecs {
		if v := *f.values[i]; v != s.def {
			s.apply(cfg, v)
		}
	}
}

// StreamFlags converts the boolean switches to replay flags.
func (cfg *Config) StreamFlags() replay.Flags {
	var fl replay.Flags
	set := func(on bool, x replay.Flags) {
		if on {
			fl |= x
		}
	}
	set(cfg.DisableCrcCheck, replay.DisableCrcCheck)
	set(cfg.DisableCrcWrite, replay.DisableCrcWrite)
	set(cfg.DisableTimestampWrite, replay.DisableTimestampWrite)
	set(cfg.StreamDisabled, replay.StreamDisabled)
	set(cfg.FlushRarely, replay.FlushRarely)
	set(cfg.KeepHistory, replay.KeepHistory)
	return fl
}

func (cfg *Config) Policy() replay.Policy {
	if cfg.SkipBadRecords {
		return replay.SkipBadRecord
	}
	return replay.AbortOnBadRecord
}

// Codec returns the zipped segment codec; Normalize guarantees it parses.
func (cfg *Config) Codec() util.Codec {
	c, _ := util.ParseCodec(cfg.CompressionType)
	return c
}

func (cfg *Config) String() string {
	return "dir=" + cfg.BinlogDir + " prefix=" + cfg.ReplicaPrefix +
		" segment=" + strconv.FormatInt(cfg.SegmentSize, 10) +
		" flags=" + cfg.StreamFlags().String()
}
