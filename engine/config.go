package engine

import "fmt"

// Config is the audio configuration the engine is prepared with. The yaml
// tags are for hosts that keep the configuration in a settings file; the
// engine itself never touches the disk.
type Config struct {
	SampleRate int `yaml:"samplerate"`
	// BlockSize is the maximum number of frames the engine processes in
	// one chunk. Device callbacks requesting more are split internally.
	BlockSize int `yaml:"blocksize"`
	// MaxRecordSeconds caps the per-track recording buffer. The buffer is
	// allocated up front in Prepare so that recording never allocates on
	// the audio thread; past the cap, recording silently truncates.
	MaxRecordSeconds int `yaml:"maxrecordseconds"`
}

// BalancedConfig is the default configuration: 256-frame blocks at 48 kHz.
func BalancedConfig() Config {
	return Config{SampleRate: 48000, BlockSize: 256, MaxRecordSeconds: 60}
}

// LowLatencyConfig halves the block size for live input monitoring.
func LowLatencyConfig() Config {
	c := BalancedConfig()
	c.BlockSize = 128
	return c
}

// HighQualityConfig doubles the block size, trading latency for headroom.
func HighQualityConfig() Config {
	c := BalancedConfig()
	c.BlockSize = 512
	return c
}

func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", c.SampleRate)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("invalid block size %d", c.BlockSize)
	}
	if c.MaxRecordSeconds <= 0 {
		return fmt.Errorf("invalid recording capacity %d s", c.MaxRecordSeconds)
	}
	return nil
}
