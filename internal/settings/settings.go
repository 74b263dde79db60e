// Package settings parses and serializes the flat key=value settings
// file that configures an engine instance: strategy, tier sizing, and
// sync policy. It intentionally does not use a structured format
// (JSON/TOML/YAML) — the on-disk file is meant to be hand-editable and
// diffable.
package settings

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const fileName = "settings"

// Strategy selects the engine's write/seal aggressiveness.
type Strategy string

const (
	StrategyFastWrite  Strategy = "FAST_WRITE"
	StrategyCompressed Strategy = "COMPRESSED"
	StrategyMemory     Strategy = "MEMORY"
	StrategyCache      Strategy = "CACHE"
)

// Settings is the engine's complete configuration, one field per key
// documented in the settings file format.
type Settings struct {
	Strategy       Strategy
	ChunkSize      uint32
	ChunkPerPage   uint32
	MemoryCap      uint64
	WALSegmentSize uint32
	OldChunkAge    string // duration string, e.g. "1h30m"
	SyncWrites     string // "per_write" | "per_batch" | "periodic:<ms>"
}

// Default returns the engine's bootstrap configuration.
func Default() Settings {
	return Settings{
		Strategy:       StrategyFastWrite,
		ChunkSize:      4096,
		ChunkPerPage:   64,
		MemoryCap:      64 << 20,
		WALSegmentSize: 4096,
		OldChunkAge:    "1h",
		SyncWrites:     "per_batch",
	}
}

var keyOrder = []string{
	"strategy",
	"chunk_size",
	"chunk_per_page",
	"memory_cap",
	"wal_segment_size",
	"old_chunk_age",
	"sync_writes",
}

func (s Settings) asMap() map[string]string {
	return map[string]string{
		"strategy":         string(s.Strategy),
		"chunk_size":       strconv.FormatUint(uint64(s.ChunkSize), 10),
		"chunk_per_page":   strconv.FormatUint(uint64(s.ChunkPerPage), 10),
		"memory_cap":       strconv.FormatUint(s.MemoryCap, 10),
		"wal_segment_size": strconv.FormatUint(uint64(s.WALSegmentSize), 10),
		"old_chunk_age":    s.OldChunkAge,
		"sync_writes":      s.SyncWrites,
	}
}

// Encode serializes s as one key=value pair per line, in the fixed
// key order the format table documents.
func (s Settings) Encode() []byte {
	m := s.asMap()
	var buf bytes.Buffer
	for _, k := range keyOrder {
		fmt.Fprintf(&buf, "%s=%s\n", k, m[k])
	}
	return buf.Bytes()
}

// Decode parses a settings file, starting from Default() so an
// omitted key keeps its default value.
func Decode(data []byte) (Settings, error) {
	s := Default()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return Settings{}, fmt.Errorf("settings: malformed line %q", line)
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if err := s.set(k, v); err != nil {
			return Settings{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return Settings{}, fmt.Errorf("settings: %w", err)
	}
	return s, nil
}

// set updates a single key in place. Used by the engine control
// surface's "change a setting" operation.
func (s *Settings) set(key, value string) error {
	switch key {
	case "strategy":
		st := Strategy(value)
		switch st {
		case StrategyFastWrite, StrategyCompressed, StrategyMemory, StrategyCache:
			s.Strategy = st
		default:
			return fmt.Errorf("settings: unknown strategy %q", value)
		}
	case "chunk_size":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("settings: chunk_size: %w", err)
		}
		s.ChunkSize = uint32(n)
	case "chunk_per_page":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("settings: chunk_per_page: %w", err)
		}
		s.ChunkPerPage = uint32(n)
	case "memory_cap":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("settings: memory_cap: %w", err)
		}
		s.MemoryCap = n
	case "wal_segment_size":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("settings: wal_segment_size: %w", err)
		}
		s.WALSegmentSize = uint32(n)
	case "old_chunk_age":
		s.OldChunkAge = value
	case "sync_writes":
		s.SyncWrites = value
	default:
		return fmt.Errorf("settings: unknown key %q", key)
	}
	return nil
}

// Set returns a copy of s with key updated to value.
func (s Settings) Set(key, value string) (Settings, error) {
	out := s
	if err := out.set(key, value); err != nil {
		return Settings{}, err
	}
	return out, nil
}

// Lines returns the settings as sorted "key=value" strings, for the
// engine control surface's "print settings" operation.
func (s Settings) Lines() []string {
	m := s.asMap()
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

// Load reads dir/settings, returning Default() if the file does not
// exist.
func Load(dir string) (Settings, error) {
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	return Decode(data)
}

// Save durably writes s to dir/settings via a write-temp-fsync-rename
// cycle, the same atomic pattern the manifest uses.
func Save(dir string, s Settings) error {
	path := filepath.Join(dir, fileName)
	tmp, err := os.CreateTemp(dir, "settings-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(s.Encode()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
