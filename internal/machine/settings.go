package machine

import (
	"math"
	"strings"
)

// QualityTier selects a bundle of encoder and renderer settings.
type QualityTier string

const (
	TierLow    QualityTier = "low"
	TierMedium QualityTier = "medium"
	TierHigh   QualityTier = "high"
	TierUltra  QualityTier = "ultra"
)

// Tiers lists every tier from lowest to highest.
var Tiers = []QualityTier{TierLow, TierMedium, TierHigh, TierUltra}

// ParseTier maps a name to a tier, falling back to medium.
func ParseTier(s string) QualityTier {
	t := QualityTier(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Tiers {
		if t == known {
			return t
		}
	}
	return TierMedium
}

// Settings is the derived quality bundle for one export.
type Settings struct {
	BitrateKbps     int    `json:"bitrateKbps"`
	Preset          string `json:"preset"`
	CacheSizeBytes  int64  `json:"cacheSizeBytes"`
	JPEGQuality     int    `json:"jpegQuality"`
	BaseConcurrency int    `json:"baseConcurrency"`
}

type tierSpec struct {
	kbpsPerMegapixel float64
	minBitrateKbps   int
	preset           string
	jpegQuality      int
	cacheMB          int64
	cacheMemFraction float64
	maxConcurrency   int
}

// Each row is >= the previous in bitrate, cache and max concurrency.
var tierTable = map[QualityTier]tierSpec{
	TierLow:    {kbpsPerMegapixel: 1500, minBitrateKbps: 1000, preset: "veryfast", jpegQuality: 70, cacheMB: 256, cacheMemFraction: 0.05, maxConcurrency: 4},
	TierMedium: {kbpsPerMegapixel: 3000, minBitrateKbps: 2000, preset: "fast", jpegQuality: 80, cacheMB: 512, cacheMemFraction: 0.08, maxConcurrency: 6},
	TierHigh:   {kbpsPerMegapixel: 5000, minBitrateKbps: 4000, preset: "medium", jpegQuality: 90, cacheMB: 1024, cacheMemFraction: 0.10, maxConcurrency: 8},
	TierUltra:  {kbpsPerMegapixel: 8000, minBitrateKbps: 8000, preset: "slow", jpegQuality: 95, cacheMB: 2048, cacheMemFraction: 0.12, maxConcurrency: 8},
}

// SettingsFor derives encoder and renderer settings. memPerContextGB is
// the memory one render context needs and bounds BaseConcurrency. It is
// pure and monotonic in tier: a higher tier never yields a lower bitrate,
// a smaller cache or lower concurrency for the same inputs.
func SettingsFor(p Profile, width, height int, tier QualityTier, memPerContextGB float64) Settings {
	row, ok := tierTable[tier]
	if !ok {
		row = tierTable[TierMedium]
	}

	megapixels := float64(width*height) / 1e6
	if megapixels <= 0 {
		megapixels = 1920 * 1080 / 1e6
	}
	bitrate := int(math.Round(megapixels * row.kbpsPerMegapixel))
	if bitrate < row.minBitrateKbps {
		bitrate = row.minBitrateKbps
	}

	cache := row.cacheMB * 1024 * 1024
	if p.TotalMemoryGB > 0 {
		memCap := int64(p.TotalMemoryGB * row.cacheMemFraction * bytesPerGB)
		if memCap < cache {
			cache = memCap
		}
	}
	if floor := int64(64 * 1024 * 1024); cache < floor {
		cache = floor
	}

	return Settings{
		BitrateKbps:     bitrate,
		Preset:          row.preset,
		CacheSizeBytes:  cache,
		JPEGQuality:     row.jpegQuality,
		BaseConcurrency: baseConcurrency(p, row.maxConcurrency, memPerContextGB),
	}
}

// baseConcurrency is half the cores, bounded by memory at memPerContextGB
// per render context. A non-positive memPerContextGB leaves only the CPU
// bound.
func baseConcurrency(p Profile, maxConcurrency int, memPerContextGB float64) int {
	c := p.CPUCores / 2
	if memPerContextGB > 0 {
		if byMemory := int(EffectiveMemoryGB(p) / memPerContextGB); byMemory < c {
			c = byMemory
		}
	}
	if c > maxConcurrency {
		c = maxConcurrency
	}
	if c < 1 {
		c = 1
	}
	return c
}
