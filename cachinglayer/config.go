/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cachinglayer

import (
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/milvus-io/cachecore/cmn"
)

// envDebounceMillis overrides Config.TieredStorage.DebounceMillis, mirroring
// memsys.ResourceBudget's own CACHE_MEM_BYTES / CACHE_DISK_BYTES precedence
// rule: environment wins over caller-supplied/YAML config.
const envDebounceMillis = "CACHE_DEBOUNCE_MS"

// Config is a small, environment-overridable, YAML-unmarshalable struct
// that drives Manager.Configure.
type Config struct {
	TieredStorage struct {
		Enabled        bool   `yaml:"enabled"`
		MemoryBytes    string `yaml:"memory_bytes"`
		DiskBytes      string `yaml:"disk_bytes"`
		TouchWindowSec int    `yaml:"touch_window_sec"`
		DebounceMillis int    `yaml:"debounce_millis"`
	} `yaml:"tiered_storage"`
}

// LoadConfig reads and unmarshals a YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Apply drives Manager.Configure and Manager.SetDebounce from a loaded
// Config. CACHE_MEM_BYTES / CACHE_DISK_BYTES overrides are applied inside
// memsys.NewResourceBudget itself, i.e. when Manager.Configure first creates
// the DList; a later Configure on an existing DList sets the limits as given.
// CACHE_DEBOUNCE_MS is applied here since debounce is this layer's own concern.
func (c *Config) Apply(m *Manager) error {
	mem, err := cmn.S2B(orDefault(c.TieredStorage.MemoryBytes, "0"))
	if err != nil {
		return err
	}
	disk, err := cmn.S2B(orDefault(c.TieredStorage.DiskBytes, "0"))
	if err != nil {
		return err
	}
	touch := DefaultTouchWindow
	if c.TieredStorage.TouchWindowSec > 0 {
		touch = time.Duration(c.TieredStorage.TouchWindowSec) * time.Second
	}
	m.Configure(c.TieredStorage.Enabled, uint64(mem), uint64(disk), touch)

	debounce := DefaultDebounce
	if c.TieredStorage.DebounceMillis > 0 {
		debounce = time.Duration(c.TieredStorage.DebounceMillis) * time.Millisecond
	}
	if v := os.Getenv(envDebounceMillis); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil {
			debounce = time.Duration(n) * time.Millisecond
		}
	}
	m.SetDebounce(debounce)
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
