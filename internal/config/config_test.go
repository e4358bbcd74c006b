package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromMissingFileReturnsDefault(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Listen != "localhost:3333" {
		t.Fatalf("Listen = %q, want default", cfg.Server.Listen)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultConfig()
	cfg.Server.Listen = "0.0.0.0:9000"
	cfg.Trace.LogPath = "/tmp/trace.log"
	cfg.RawBlobs = []RawBlob{{Address: "0x1000", Path: "/tmp/blob.bin"}}
	cfg.ELFBlobs = []ELFBlob{{Address: "0x8000", Path: "/tmp/prog.elf", AddressBits: 64}}

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if got.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q, want %q", got.Server.Listen, "0.0.0.0:9000")
	}
	if len(got.RawBlobs) != 1 || got.RawBlobs[0].Address != "0x1000" {
		t.Errorf("RawBlobs = %+v", got.RawBlobs)
	}
	if len(got.ELFBlobs) != 1 || got.ELFBlobs[0].AddressBits != 64 {
		t.Errorf("ELFBlobs = %+v", got.ELFBlobs)
	}
}

func TestLoadFromMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("not = [valid toml"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected error for malformed config file")
	}
}
