package config

import (
	"os"
	"strings"

	"github.com/downfa11-org/go-binlog/util"
)

const (
	minSegmentSize = 1024
	maxNamePower   = 18
)

func (cfg *Config) Normalize() {
	if strings.TrimSpace(cfg.BinlogDir) == "" {
		cfg.BinlogDir = "binlog"
	}
	cfg.ReplicaPrefix = strings.TrimSpace(cfg.ReplicaPrefix)
	if cfg.ReplicaPrefix == "" || strings.ContainsAny(cfg.ReplicaPrefix, "/\\") {
		util.Warn("Invalid replica_prefix '%s', defaulting to 'binlog'", cfg.ReplicaPrefix)
		cfg.ReplicaPrefix = "binlog"
	}
	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}

	// writer
	if cfg.SegmentSize < minSegmentSize {
		cfg.SegmentSize = 64 << 20
	}
	if cfg.DiskFlushBatchSize <= 0 {
		cfg.DiskFlushBatchSize = 64
	}
	if cfg.LingerMS < 0 {
		cfg.LingerMS = 0
	}
	if cfg.ChannelBufferSize <= 0 {
		cfg.ChannelBufferSize = 1024
	}
	if cfg.DiskWriteTimeoutMS <= 0 {
		cfg.DiskWriteTimeoutMS = 5
	}
	if cfg.SyncIntervalMS <= 0 {
		cfg.SyncIntervalMS = 1000
	}
	if cfg.CrcIntervalBytes <= 0 {
		cfg.CrcIntervalBytes = 64 << 10
	}
	if cfg.NamePower < 0 || cfg.NamePower > maxNamePower {
		util.Warn("Invalid name_power %d, defaulting to 0", cfg.NamePower)
		cfg.NamePower = 0
	}

	// rotation
	if cfg.RotationRetryLimit <= 0 {
		cfg.RotationRetryLimit = 100
	}
	if cfg.RotationRetryTimeoutMS <= 0 {
		cfg.RotationRetryTimeoutMS = 30000
	}

	// replay
	if cfg.MaxRecordSize < 64 {
		cfg.MaxRecordSize = 16 << 20
	}
	if cfg.ReadChunkSize <= 0 {
		cfg.ReadChunkSize = 64 << 10
	}
	if cfg.ReadChunkSize > cfg.MaxRecordSize {
		cfg.ReadChunkSize = cfg.MaxRecordSize
	}

	// sealed segments are always compressed; "none" selects the default codec
	cfg.CompressionType = strings.ToLower(strings.TrimSpace(cfg.CompressionType))
	codec, err := util.ParseCodec(cfg.CompressionType)
	if err != nil {
		util.Warn("Invalid compression_type '%s', defaulting to 'lz4'", cfg.CompressionType)
	}
	if err != nil || codec == util.CodecNone {
		cfg.CompressionType = "lz4"
	}
}

func applyEnv(cfg *Config) {
	overrideEnvString(&cfg.BinlogDir, "BINLOG_DIR")
	overrideEnvString(&cfg.ReplicaPrefix, "BINLOG_PREFIX")
	if v := os.Getenv("BINLOG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = util.ParseLogLevel(v)
	}
	overrideEnvInt64(&cfg.SegmentSize, "BINLOG_SEGMENT_SIZE")
	overrideEnvInt(&cfg.DiskFlushBatchSize, "BINLOG_FLUSH_BATCH")
	overrideEnvInt(&cfg.LingerMS, "BINLOG_LINGER_MS")
	overrideEnvInt(&cfg.SyncIntervalMS, "BINLOG_SYNC_INTERVAL_MS")
	overrideEnvInt(&cfg.CrcIntervalBytes, "BINLOG_CRC_INTERVAL")
	overrideEnvInt(&cfg.NamePower, "BINLOG_NAME_POWER")
	overrideEnvInt(&cfg.MaxRecordSize, "BINLOG_MAX_RECORD_SIZE")
	overrideEnvInt(&cfg.RotationRetryLimit, "BINLOG_ROTATION_RETRY_LIMIT")
	overrideEnvInt(&cfg.RotationRetryTimeoutMS, "BINLOG_ROTATION_RETRY_TIMEOUT_MS")
	overrideEnvBool(&cfg.SkipBadRecords, "BINLOG_SKIP_BAD_RECORDS")
	overrideEnvBool(&cfg.FlushRarely, "BINLOG_FLUSH_RARELY")
	overrideEnvBool(&cfg.KeepHistory, "BINLOG_KEEP_HISTORY")
	overrideEnvString(&cfg.CompressionType, "BINLOG_COMPRESSION")
	overrideEnvBool(&cfg.EnableExporter, "BINLOG_EXPORTER")
	overrideEnvInt(&cfg.ExporterPort, "BINLOG_EXPORTER_PORT")
}

func overrideEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt(v, *target)
	}
}

func overrideEnvInt64(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt64(v, *target)
	}
}

func overrideEnvBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseBool(v, *target)
	}
}

func overrideEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}
