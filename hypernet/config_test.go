package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/powerman/check"
)

func TestMain(m *testing.M) {
	check.TestMain(m)
}

func writeConfig(tt *testing.T, body string) string {
	tt.Helper()
	path := filepath.Join(tt.TempDir(), "hypernet.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		tt.Fatal(err)
	}
	return path
}

func TestConfigDefaults(tt *testing.T) {
	t := check.T(tt)
	config := newConfig()
	t.Equal(config.BatchSize, BatchSizeMin)
	t.Equal(config.EwmaAlpha, 0.1)
	t.Equal(config.BurstWindowMs, 10)
	t.Equal(config.PoolTotalSlots, 8)
	t.Equal(config.Construction, "chacha20poly1305")
}

func TestConfigLoadAndClamp(tt *testing.T) {
	t := check.T(tt)
	path := writeConfig(tt, `
batch_size = 1000
pool_total_slots = 99
ewma_alpha = 7.5
ring_capacity = 512
worker_count = 4
crypto_construction = "xchacha20poly1305"
crypto_key = "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"
burst_thresholds_mbps = [2.0, 20.0, 60.0, 150.0]
egress_stream = "192.0.2.10:443"
`)
	config, err := ConfigLoad(path)
	t.Nil(err)
	t.Equal(config.BatchSize, BatchSizeMax)
	t.Equal(config.PoolTotalSlots, PoolMaxSlots)
	t.Equal(config.EwmaAlpha, 0.1) // invalid alpha falls back
	t.Equal(config.RingCapacity, 512)
	t.Equal(config.construction(), XChaCha20Poly1305)
	t.Equal(len(config.key()), KeySize)

	burst := config.burstConfig()
	t.Equal(burst.ThresholdsBps, [4]float64{2e6, 2e7, 6e7, 1.5e8})

	egress := config.egressEndpoints()
	t.Equal(egress[ClassStream], EgressEndpoint{Host: "192.0.2.10", Port: 443})
	t.Equal(egress[ClassVision], EgressEndpoint{})
}

func TestConfigLoadMissingFile(tt *testing.T) {
	t := check.T(tt)
	_, err := ConfigLoad(filepath.Join(tt.TempDir(), "nope.toml"))
	t.NotNil(err)
}

func TestConfigBadKey(tt *testing.T) {
	t := check.T(tt)
	config := newConfig()
	config.CryptoKeyHex = "not-hex"
	t.Nil(config.key())
}

func TestConfigPoolRatios(tt *testing.T) {
	t := check.T(tt)
	config := newConfig()
	_, ok := config.poolRatios()
	t.False(ok)
	config.PoolRatios = []int{50, 30, 20}
	ratios, ok := config.poolRatios()
	t.True(ok)
	t.Equal(ratios, [connClassCount]int{50, 30, 20})
}

func TestSplitHostPort(tt *testing.T) {
	t := check.T(tt)
	host, port, err := splitHostPort("10.0.0.1:443")
	t.Nil(err)
	t.Equal(host, "10.0.0.1")
	t.Equal(port, 443)

	_, _, err = splitHostPort("10.0.0.1")
	t.True(errors.Is(err, ErrInvalidArgument))
	_, _, err = splitHostPort("10.0.0.1:0")
	t.True(errors.Is(err, ErrInvalidArgument))
	_, _, err = splitHostPort(":443")
	t.True(errors.Is(err, ErrInvalidArgument))
}
