// Package board loads the YAML manifest describing the machine this kernel
// boots on — heap geometry, the disk image backing the virtio-blk device,
// and scheduler timing — replacing the hard-coded HEAP_START/HEAP_SIZE/
// SCHEDULER_FREQUENCY constants original_source/*.rs bakes in at compile
// time. The shape follows the teacher's own YAML-manifest convention
// (internal/bundle/bundle.go's Metadata/BootConfig), swapped from
// "container bundle" fields to this kernel's machine-geometry fields.
package board

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is one machine description, loaded from a YAML manifest.
type Config struct {
	// HeapBase and HeapSize describe the physical region (spec.md §3's
	// "Heap region") the page allocator bitmaps over.
	HeapBase uint64 `yaml:"heapBase"`
	HeapSize uint64 `yaml:"heapSize"`

	// KmemPages is how many whole pages the sub-page heap (C2) reserves
	// at boot, matching original_source/kmem.rs's KMEM_SIZE.
	KmemPages int `yaml:"kmemPages,omitempty"`

	// SchedulerFrequencyTicks is how far ahead of `mtime` each timer
	// interrupt is armed, matching spec.md §4.5's schedule_scheduler().
	SchedulerFrequencyTicks uint64 `yaml:"schedulerFrequencyTicks,omitempty"`

	// DiskImage is the path to the MINIX v3 disk image served through the
	// virtio-blk device; ReadOnly mirrors the negotiated BlkFRO feature
	// bit as a boot-time override (spec.md §4.8).
	DiskImage string `yaml:"diskImage,omitempty"`
	ReadOnly  bool   `yaml:"readOnly,omitempty"`

	// UARTDevice names the host character device (or "stdio") the console
	// ring (C11) is fed from — the external UART collaborator spec.md §1
	// places out of scope; this is just which host stream stands in for
	// it in cmd/kernel.
	UARTDevice string `yaml:"uartDevice,omitempty"`
}

const (
	DefaultKmemPages              = 64
	DefaultSchedulerFrequencyTick = 10_000_000 // ~1s at the CLINT's 10MHz tick rate
	DefaultUARTDevice             = "stdio"
)

func (c *Config) normalize() {
	if c.KmemPages == 0 {
		c.KmemPages = DefaultKmemPages
	}
	if c.SchedulerFrequencyTicks == 0 {
		c.SchedulerFrequencyTicks = DefaultSchedulerFrequencyTick
	}
	if c.UARTDevice == "" {
		c.UARTDevice = DefaultUARTDevice
	}
}

func (c *Config) validate() error {
	if c.HeapSize == 0 {
		return fmt.Errorf("board: heapSize must be non-zero")
	}
	return nil
}

// Load reads and normalizes a Config from a YAML manifest at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("board: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("board: parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the out-of-the-box QEMU `virt` geometry spec.md §3/§6
// describes, for callers (tests, a bare `cmd/kernel` invocation with no
// manifest) that don't supply their own YAML file.
func Default() *Config {
	cfg := &Config{
		HeapBase:  0x9000_0000,
		HeapSize:  128 * 1024 * 1024,
		ReadOnly:  false,
		DiskImage: "disk.img",
	}
	cfg.normalize()
	return cfg
}
