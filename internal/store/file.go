package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"wallet-copy-trader/internal/circuit"
	"wallet-copy-trader/internal/monitor"
	"wallet-copy-trader/internal/redflag"
)

const (
	exclusionsFile = "exclusions.jsonl"
	baselinesFile  = "baselines.json"
	rotationsFile  = "rotations.json"
	breakerFile    = "circuit_breaker.json"
)

// FileStore keeps state as JSON files in one directory. Exclusions are an
// append-only log; everything else is rewritten atomically.
type FileStore struct {
	dir    string
	logger zerolog.Logger

	mu        sync.Mutex
	baselines map[string]monitor.Baseline
	rotations map[string]monitor.RotationEntry
}

// NewFileStore creates the directory if needed and reads existing maps.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &FileStore{
		dir:       dir,
		logger:    logger,
		baselines: make(map[string]monitor.Baseline),
		rotations: make(map[string]monitor.RotationEntry),
	}
	if err := s.readJSON(baselinesFile, &s.baselines); err != nil {
		return nil, err
	}
	if err := s.readJSON(rotationsFile, &s.rotations); err != nil {
		return nil, err
	}

	logger.Info().Str("dir", dir).Msg("File store opened")
	return s, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

// AppendExclusion appends one record and syncs it to disk.
func (s *FileStore) AppendExclusion(_ context.Context, rec redflag.ExclusionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal exclusion: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(exclusionsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open exclusion log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append exclusion: %w", err)
	}
	return f.Sync()
}

// LoadExclusions reads the log. A torn final line from a crash is skipped.
func (s *FileStore) LoadExclusions(_ context.Context) ([]redflag.ExclusionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path(exclusionsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open exclusion log: %w", err)
	}
	defer f.Close()

	var out []redflag.ExclusionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec redflag.ExclusionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			s.logger.Warn().Err(err).Int("line", line).Msg("Skipping unreadable exclusion record")
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read exclusion log: %w", err)
	}
	return out, nil
}

// SaveBaseline implements monitor.BaselineStore.
func (s *FileStore) SaveBaseline(_ context.Context, b monitor.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[b.Address] = b
	return s.writeJSON(baselinesFile, s.baselines)
}

// LoadBaselines implements monitor.BaselineStore.
func (s *FileStore) LoadBaselines(_ context.Context) ([]monitor.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]monitor.Baseline, 0, len(s.baselines))
	for _, b := range s.baselines {
		out = append(out, b)
	}
	return out, nil
}

// SaveRotation implements monitor.BaselineStore.
func (s *FileStore) SaveRotation(_ context.Context, e monitor.RotationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations[e.Address] = e
	return s.writeJSON(rotationsFile, s.rotations)
}

// LoadRotations implements monitor.BaselineStore.
func (s *FileStore) LoadRotations(_ context.Context) ([]monitor.RotationEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]monitor.RotationEntry, 0, len(s.rotations))
	for _, e := range s.rotations {
		out = append(out, e)
	}
	return out, nil
}

// SaveBreakerState implements circuit.StateStore.
func (s *FileStore) SaveBreakerState(_ context.Context, snap circuit.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(breakerFile, snap)
}

// LoadBreakerState implements circuit.StateStore.
func (s *FileStore) LoadBreakerState(_ context.Context) (*circuit.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap circuit.Snapshot
	if _, err := os.Stat(s.path(breakerFile)); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err := s.readJSON(breakerFile, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Close is a no-op; every write is already synced.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) readJSON(name string, v interface{}) error {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// writeJSON writes to a temp file, syncs and renames it over the target so a
// crash leaves either the old or the new content.
func (s *FileStore) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
