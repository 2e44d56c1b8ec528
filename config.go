package ixdb

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileOptions is the subset of Options that can be read from a TOML file.
//
//	dir = "/var/lib/app/ixdb"
//	verbose = false
//	mmap_size = 67108864
//	commit_every = 1000
//	progress_interval = "10s"
//	backfill_batch_size = 256
//	staging_cache_size = 1024
type FileOptions struct {
	Dir               string `toml:"dir"`
	Verbose           bool   `toml:"verbose"`
	MmapSize          int    `toml:"mmap_size"`
	CommitEvery       int    `toml:"commit_every"`
	ProgressInterval  string `toml:"progress_interval"`
	BackfillBatchSize int    `toml:"backfill_batch_size"`
	StagingCacheSize  int    `toml:"staging_cache_size"`
}

// LoadOptionsFile parses a TOML options file. Unknown keys are an error.
func LoadOptionsFile(path string) (*FileOptions, error) {
	var fo FileOptions
	md, err := toml.DecodeFile(path, &fo)
	if err != nil {
		return nil, fmt.Errorf("ixdb: %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("ixdb: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if _, err := fo.progressInterval(); err != nil {
		return nil, fmt.Errorf("ixdb: %s: %w", path, err)
	}
	return &fo, nil
}

func (fo *FileOptions) progressInterval() (time.Duration, error) {
	if fo.ProgressInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(fo.ProgressInterval)
	if err != nil {
		return 0, fmt.Errorf("progress_interval: %w", err)
	}
	return d, nil
}

// Apply copies every set field onto opt.
func (fo *FileOptions) Apply(opt *Options) {
	if fo.Verbose {
		opt.Verbose = true
	}
	if fo.MmapSize != 0 {
		opt.MmapSize = fo.MmapSize
	}
	if fo.CommitEvery != 0 {
		opt.CommitEvery = fo.CommitEvery
	}
	if d, _ := fo.progressInterval(); d != 0 {
		opt.ProgressInterval = d
	}
	if fo.BackfillBatchSize != 0 {
		opt.BackfillBatchSize = fo.BackfillBatchSize
	}
	if fo.StagingCacheSize != 0 {
		opt.StagingCacheSize = fo.StagingCacheSize
	}
}
