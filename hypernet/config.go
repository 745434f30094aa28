package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jedisct1/dlog"
)

const (
	// Batch drain bounds for the dispatcher
	BatchSizeMin = 16
	BatchSizeMax = 32
)

// Config mirrors the TOML configuration file. Out-of-range values are
// clamped or reset to defaults rather than rejected, so a daemon with a
// stale config still comes up. Only the pool_total_slots, ewma_alpha and
// ring_capacity corrections are logged (at notice severity).
type Config struct {
	LogLevel      int    `toml:"log_level"`
	LogFile       *string `toml:"log_file"`
	LogFileLatest bool   `toml:"log_file_latest"`
	UseSyslog     bool   `toml:"use_syslog"`
	LogMaxSize    int    `toml:"log_files_max_size"`
	LogMaxAge     int    `toml:"log_files_max_age"`
	LogMaxBackups int    `toml:"log_files_max_backups"`

	RingCapacity    int `toml:"ring_capacity"`
	RingPayloadSize int `toml:"ring_payload_size"`

	BatchSize    int    `toml:"batch_size"`
	ChunkSize    int    `toml:"chunk_size"`
	FeatureFlags uint32 `toml:"feature_flags"`

	WorkerCount  int    `toml:"worker_count"`
	Construction string `toml:"crypto_construction"`
	CryptoKeyHex string `toml:"crypto_key"`

	PoolTotalSlots int   `toml:"pool_total_slots"`
	PoolRatios     []int `toml:"pool_ratios"`

	EwmaAlpha           float64   `toml:"ewma_alpha"`
	BurstWindowMs       int       `toml:"burst_window_ms"`
	BurstThresholdsMbps []float64 `toml:"burst_thresholds_mbps"`

	EgressStream  string `toml:"egress_stream"`
	EgressVision  string `toml:"egress_vision"`
	EgressReserve string `toml:"egress_reserve"`

	StatsFile      string `toml:"stats_file"`
	StatsIntervalS int    `toml:"stats_interval_s"`

	PidFile *string `toml:"pid_file"`
}

func newConfig() Config {
	return Config{
		LogLevel:        int(dlog.SeverityNotice),
		LogMaxSize:      10,
		LogMaxAge:       7,
		LogMaxBackups:   1,
		RingCapacity:    4096,
		RingPayloadSize: 1500,
		BatchSize:       BatchSizeMin,
		ChunkSize:       16 * 1024,
		Construction:    "chacha20poly1305",
		PoolTotalSlots:  8,
		EwmaAlpha:       0.1,
		BurstWindowMs:   10,
	}
}

// ConfigFlags carries the command-line switches, teacher-style: each is
// a pointer filled by the flag package.
type ConfigFlags struct {
	ConfigFile *string
	Check      *bool
}

// ConfigLoad parses and validates the TOML file.
func ConfigLoad(path string) (*Config, error) {
	config := newConfig()
	md, err := toml.DecodeFile(path, &config)
	if err != nil {
		return nil, fmt.Errorf("unable to load config [%s]: %w", path, err)
	}
	for _, undecoded := range md.Undecoded() {
		dlog.Warnf("Unknown configuration key: [%s]", undecoded)
	}
	config.clamp()
	return &config, nil
}

// clamp pulls every knob into its documented range.
func (config *Config) clamp() {
	config.BatchSize = clampBatchSize(config.BatchSize)
	if config.PoolTotalSlots < PoolMinSlots || config.PoolTotalSlots > PoolMaxSlots {
		clamped := min(max(config.PoolTotalSlots, PoolMinSlots), PoolMaxSlots)
		dlog.Noticef("pool_total_slots %d clamped to %d", config.PoolTotalSlots, clamped)
		config.PoolTotalSlots = clamped
	}
	if config.EwmaAlpha <= 0 || config.EwmaAlpha > 1 {
		dlog.Noticef("ewma_alpha %v reset to 0.1", config.EwmaAlpha)
		config.EwmaAlpha = 0.1
	}
	if config.BurstWindowMs <= 0 {
		config.BurstWindowMs = 10
	}
	if config.RingCapacity <= 0 || config.RingCapacity > RingMaxCapacity {
		dlog.Noticef("ring_capacity %d reset to 4096", config.RingCapacity)
		config.RingCapacity = 4096
	}
	if config.RingPayloadSize < 0 {
		config.RingPayloadSize = 1500
	}
}

func clampBatchSize(n int) int {
	return min(max(n, BatchSizeMin), BatchSizeMax)
}

func (config *Config) construction() CryptoConstruction {
	switch config.Construction {
	case "xchacha20poly1305":
		return XChaCha20Poly1305
	case "chacha20poly1305", "":
		return ChaCha20Poly1305
	default:
		dlog.Warnf("Unknown crypto_construction [%s], using ChaCha20-Poly1305", config.Construction)
		return ChaCha20Poly1305
	}
}

// key decodes the configured AEAD key. The outer key-management layer
// normally injects this; the config path exists for the standalone
// daemon.
func (config *Config) key() []byte {
	key, err := hex.DecodeString(config.CryptoKeyHex)
	if err != nil {
		dlog.Errorf("crypto_key is not valid hex: %v", err)
		return nil
	}
	return key
}

func (config *Config) burstConfig() BurstConfig {
	cfg := DefaultBurstConfig()
	cfg.Alpha = config.EwmaAlpha
	cfg.Window = time.Duration(config.BurstWindowMs) * time.Millisecond
	if len(config.BurstThresholdsMbps) == len(cfg.ThresholdsBps) {
		for i, mbps := range config.BurstThresholdsMbps {
			cfg.ThresholdsBps[i] = mbps * 1e6
		}
	} else if len(config.BurstThresholdsMbps) != 0 {
		dlog.Warnf("burst_thresholds_mbps needs %d values, got %d; using defaults",
			len(cfg.ThresholdsBps), len(config.BurstThresholdsMbps))
	}
	return cfg
}

func (config *Config) poolRatios() ([connClassCount]int, bool) {
	var ratios [connClassCount]int
	if len(config.PoolRatios) != int(connClassCount) {
		return ratios, false
	}
	copy(ratios[:], config.PoolRatios)
	return ratios, true
}

func (config *Config) egressEndpoints() [connClassCount]EgressEndpoint {
	var out [connClassCount]EgressEndpoint
	for class, spec := range map[ConnClass]string{
		ClassStream:  config.EgressStream,
		ClassVision:  config.EgressVision,
		ClassReserve: config.EgressReserve,
	} {
		if spec == "" {
			continue
		}
		host, port, err := splitHostPort(spec)
		if err != nil {
			dlog.Warnf("Ignoring egress endpoint for class %v: %v", class, err)
			continue
		}
		out[class] = EgressEndpoint{Host: host, Port: port}
	}
	return out
}
