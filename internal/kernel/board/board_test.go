package board

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "board.yaml")
	yamlDoc := "heapBase: 0x90000000\nheapSize: 67108864\ndiskImage: minix.img\n"
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeapSize != 67108864 {
		t.Fatalf("expected heapSize preserved, got %d", cfg.HeapSize)
	}
	if cfg.KmemPages != DefaultKmemPages {
		t.Fatalf("expected default KmemPages, got %d", cfg.KmemPages)
	}
	if cfg.SchedulerFrequencyTicks != DefaultSchedulerFrequencyTick {
		t.Fatalf("expected default scheduler frequency, got %d", cfg.SchedulerFrequencyTicks)
	}
	if cfg.UARTDevice != DefaultUARTDevice {
		t.Fatalf("expected default UART device, got %q", cfg.UARTDevice)
	}
	if cfg.DiskImage != "minix.img" {
		t.Fatalf("expected diskImage preserved, got %q", cfg.DiskImage)
	}
}

func TestLoadRejectsZeroHeap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "board.yaml")
	if err := os.WriteFile(path, []byte("heapBase: 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected Load to reject a zero heapSize")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("Default() produced an invalid config: %v", err)
	}
}
