// Package history is the append-only record log of every component.
//
// Each component has one JSONL file. Records are chained by digest and
// their sequences are exactly 0..N. A batch that touches several
// components goes through a journal so it is applied entirely or not at all.
package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/evolve/internal/ir"
)

var (
	// ErrCorrupt is returned when a history file breaks contiguity or the
	// digest chain.
	ErrCorrupt = errors.New("history: corrupt")

	// ErrSequence is returned when a record does not extend the head.
	ErrSequence = errors.New("history: sequence is not head+1")
)

const (
	fileExt     = ".jsonl"
	journalName = "journal.json"
)

// Store keeps one JSONL file per component under a directory.
// Loaded histories are cached; the store is the only writer.
type Store struct {
	dir string

	mu    sync.Mutex
	cache map[string][]ir.EvolutionRecord
}

// Open opens the history directory, replays a leftover journal and
// repairs torn trailing lines.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	s := &Store{dir: dir, cache: make(map[string][]ir.EvolutionRecord)}
	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return s, nil
}

func (s *Store) path(componentID string) string {
	return filepath.Join(s.dir, url.QueryEscape(componentID)+fileExt)
}

// Load returns the verified record list of a component. An unknown
// component has an empty history.
func (s *Store) Load(componentID string) ([]ir.EvolutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.loadLocked(componentID)
	if err != nil {
		return nil, err
	}
	return cloneRecords(recs), nil
}

// Head returns the last record of a component.
func (s *Store) Head(componentID string) (ir.EvolutionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.loadLocked(componentID)
	if err != nil || len(recs) == 0 {
		return ir.EvolutionRecord{}, false, err
	}
	return recs[len(recs)-1].Clone(), true, nil
}

// Exists reports whether a component has any history.
func (s *Store) Exists(componentID string) (bool, error) {
	_, ok, err := s.Head(componentID)
	return ok, err
}

// Components lists every component id with a history file, sorted.
func (s *Store) Components() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), fileExt)
		if !ok || e.IsDir() {
			continue
		}
		id, err := url.QueryUnescape(name)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) loadLocked(componentID string) ([]ir.EvolutionRecord, error) {
	if recs, ok := s.cache[componentID]; ok {
		return recs, nil
	}
	recs, err := readFile(s.path(componentID))
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", componentID, err)
	}
	if err := verifyChain(componentID, recs); err != nil {
		return nil, err
	}
	s.cache[componentID] = recs
	return recs, nil
}

// AppendBatch commits records atomically. Records for the same component
// must appear in sequence order and each must be exactly head+1.
// PrevDigest and Digest are filled in; the committed records are returned.
//
// ctx is honoured until the batch becomes durable; after that the batch is
// always completed.
func (s *Store) AppendBatch(ctx context.Context, recs []ir.EvolutionRecord) ([]ir.EvolutionRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	heads := make(map[string]ir.EvolutionRecord)
	lengths := make(map[string]int)
	out := make([]ir.EvolutionRecord, len(recs))
	var order []string

	for i, rec := range recs {
		if rec.ComponentID == "" {
			return nil, fmt.Errorf("append history: record %d has no component id", i)
		}
		if _, seen := lengths[rec.ComponentID]; !seen {
			existing, err := s.loadLocked(rec.ComponentID)
			if err != nil {
				return nil, err
			}
			lengths[rec.ComponentID] = len(existing)
			if len(existing) > 0 {
				heads[rec.ComponentID] = existing[len(existing)-1]
			}
			order = append(order, rec.ComponentID)
		}
		want := int64(lengths[rec.ComponentID])
		if rec.Sequence != want {
			return nil, fmt.Errorf("%w: %s got %d, want %d", ErrSequence, rec.ComponentID, rec.Sequence, want)
		}

		rec = rec.Clone()
		rec.PrevDigest = ""
		if head, ok := heads[rec.ComponentID]; ok {
			rec.PrevDigest = head.Digest
		}
		digest, err := ir.RecordDigest(rec)
		if err != nil {
			return nil, fmt.Errorf("append history: %w", err)
		}
		rec.Digest = digest

		out[i] = rec
		heads[rec.ComponentID] = rec
		lengths[rec.ComponentID]++
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	multi := len(order) > 1
	if multi {
		if err := s.writeJournal(out); err != nil {
			return nil, err
		}
	}

	// Point of no return: from here every file is completed even if one
	// write fails, and a failure leaves the journal for Open to replay.
	for _, id := range order {
		var lines []ir.EvolutionRecord
		for _, rec := range out {
			if rec.ComponentID == id {
				lines = append(lines, rec)
			}
		}
		if err := appendLines(s.path(id), lines); err != nil {
			delete(s.cache, id)
			return nil, fmt.Errorf("append history %s: %w", id, err)
		}
		s.cache[id] = append(slices.Clip(s.cache[id]), lines...)
	}

	if multi {
		if err := os.Remove(filepath.Join(s.dir, journalName)); err != nil {
			return nil, fmt.Errorf("append history: remove journal: %w", err)
		}
	}
	return cloneRecords(out), nil
}

func (s *Store) writeJournal(recs []ir.EvolutionRecord) error {
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	path := filepath.Join(s.dir, journalName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("write journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return syncDir(s.dir)
}

// recover repairs torn tails and completes a journaled batch. Replaying
// is idempotent: records already present (same sequence and digest) are
// skipped.
func (s *Store) recover() error {
	ids, err := s.Components()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := repairTail(s.path(id)); err != nil {
			return fmt.Errorf("repair %s: %w", id, err)
		}
	}

	os.Remove(filepath.Join(s.dir, journalName+".tmp"))

	path := filepath.Join(s.dir, journalName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	var recs []ir.EvolutionRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("%w: journal: %v", ErrCorrupt, err)
	}

	byComponent := make(map[string][]ir.EvolutionRecord)
	var order []string
	for _, rec := range recs {
		if _, ok := byComponent[rec.ComponentID]; !ok {
			order = append(order, rec.ComponentID)
		}
		byComponent[rec.ComponentID] = append(byComponent[rec.ComponentID], rec)
	}
	for _, id := range order {
		existing, err := readFile(s.path(id))
		if err != nil {
			return err
		}
		var missing []ir.EvolutionRecord
		for _, rec := range byComponent[id] {
			if rec.Sequence < int64(len(existing)) {
				if existing[rec.Sequence].Digest != rec.Digest {
					return fmt.Errorf("%w: journal record %s/%d conflicts with history", ErrCorrupt, id, rec.Sequence)
				}
				continue
			}
			missing = append(missing, rec)
		}
		if err := appendLines(s.path(id), missing); err != nil {
			return fmt.Errorf("replay journal %s: %w", id, err)
		}
	}
	return os.Remove(path)
}

func verifyChain(componentID string, recs []ir.EvolutionRecord) error {
	prev := ""
	for i, rec := range recs {
		if rec.Sequence != int64(i) {
			return fmt.Errorf("%w: %s: record %d has sequence %d", ErrCorrupt, componentID, i, rec.Sequence)
		}
		if rec.ComponentID != componentID {
			return fmt.Errorf("%w: %s: record %d belongs to %s", ErrCorrupt, componentID, i, rec.ComponentID)
		}
		if rec.PrevDigest != prev {
			return fmt.Errorf("%w: %s: record %d breaks the digest chain", ErrCorrupt, componentID, i)
		}
		want, err := ir.RecordDigest(rec)
		if err != nil {
			return fmt.Errorf("%w: %s: record %d: %v", ErrCorrupt, componentID, i, err)
		}
		if rec.Digest != want {
			return fmt.Errorf("%w: %s: record %d digest mismatch", ErrCorrupt, componentID, i)
		}
		prev = rec.Digest
	}
	return nil
}

func readFile(path string) ([]ir.EvolutionRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var recs []ir.EvolutionRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec ir.EvolutionRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrCorrupt, filepath.Base(path), line, err)
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// repairTail truncates a trailing line that was not fully written.
func repairTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	cut := bytes.LastIndexByte(data, '\n') + 1
	return os.Truncate(path, int64(cut))
}

func appendLines(path string, recs []ir.EvolutionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func cloneRecords(recs []ir.EvolutionRecord) []ir.EvolutionRecord {
	out := make([]ir.EvolutionRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
