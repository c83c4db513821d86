package coverage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Current schema version - increment when Report format changes
const schemaVersion uint16 = 1

// ErrSchema is returned when loading a report written by another format version.
var ErrSchema = errors.New("coverage report schema mismatch")

// Position is one covered or uncovered position. Lines and columns are 1-based.
type Position struct {
	StartLine uint32 `msgpack:"sl"`
	StartCol  uint32 `msgpack:"sc"`
	EndLine   uint32 `msgpack:"el"`
	EndCol    uint32 `msgpack:"ec"`
	Hits      int64  `msgpack:"hits"`
}

// File groups the positions of one source.
type File struct {
	Path      string     `msgpack:"path"`
	Positions []Position `msgpack:"positions"`
}

func (f *File) sort() { sortPositions(f.Positions) }

// Covered returns the number of positions that ran and the number of positions.
func (f *File) Covered() (covered, total int) {
	for _, p := range f.Positions {
		if p.Hits > 0 {
			covered++
		}
	}
	return covered, len(f.Positions)
}

// Lines returns the covered and uncovered start lines.
func (f *File) Lines() (covered, uncovered []uint32) {
	hit := make(map[uint32]bool)
	for _, p := range f.Positions {
		hit[p.StartLine] = hit[p.StartLine] || p.Hits > 0
	}
	for line, ok := range hit {
		if ok {
			covered = append(covered, line)
		} else {
			uncovered = append(uncovered, line)
		}
	}
	sort.Slice(covered, func(i, j int) bool { return covered[i] < covered[j] })
	sort.Slice(uncovered, func(i, j int) bool { return uncovered[i] < uncovered[j] })
	return covered, uncovered
}

// Report is a coverage snapshot.
type Report struct {
	Schema uint16 `msgpack:"schema"`
	Files  []File `msgpack:"files"`
}

func (r *Report) sort() {
	sort.Slice(r.Files, func(i, j int) bool { return r.Files[i].Path < r.Files[j].Path })
}

// Percent returns the share of positions that ran, 100 for an empty report.
func (r *Report) Percent() float64 {
	covered, total := 0, 0
	for i := range r.Files {
		c, t := r.Files[i].Covered()
		covered += c
		total += t
	}
	if total == 0 {
		return 100
	}
	return float64(covered) * 100 / float64(total)
}

// Merge adds the hits of other to r.
func (r *Report) Merge(other *Report) {
	files := make(map[string]int, len(r.Files))
	for i, f := range r.Files {
		files[f.Path] = i
	}
	for _, of := range other.Files {
		i, ok := files[of.Path]
		if !ok {
			r.Files = append(r.Files, File{Path: of.Path, Positions: append([]Position(nil), of.Positions...)})
			files[of.Path] = len(r.Files) - 1
			continue
		}
		f := &r.Files[i]
		type span struct{ sl, sc, el, ec uint32 }
		idx := make(map[span]int, len(f.Positions))
		for j, p := range f.Positions {
			idx[span{p.StartLine, p.StartCol, p.EndLine, p.EndCol}] = j
		}
		for _, p := range of.Positions {
			if j, ok := idx[span{p.StartLine, p.StartCol, p.EndLine, p.EndCol}]; ok {
				f.Positions[j].Hits += p.Hits
				continue
			}
			f.Positions = append(f.Positions, p)
		}
		f.sort()
	}
	r.sort()
}

// Save writes the report to path, replacing it atomically.
func Save(path string, r *Report) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".coverage-*")
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := os.Remove(f.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	}()

	r.Schema = schemaVersion
	if err := msgpack.NewEncoder(f).Encode(r); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode coverage: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	// атомарная замена
	return os.Rename(f.Name(), path)
}

// Load reads a report written by Save.
func Load(path string) (*Report, error) {
	f, err := os.Open(path) // #nosec G304 -- path is provided by the caller
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var r Report
	if err := msgpack.NewDecoder(f).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode coverage %s: %w", path, err)
	}
	if r.Schema != schemaVersion {
		return nil, fmt.Errorf("%w: %s has %d, want %d", ErrSchema, path, r.Schema, schemaVersion)
	}
	return &r, nil
}
