package source

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sync"

	"fortio.org/safecast"
)

// FileSet manages the sources loaded into an engine.
// Thread-safe: contexts of one engine load sources concurrently.
type FileSet struct {
	mu    sync.RWMutex
	files []*File
	index map[string]FileID // path -> latest id
}

// NewFileSet creates a new empty FileSet.
func NewFileSet() *FileSet {
	return &FileSet{
		files: make([]*File, 0),
		index: make(map[string]FileID),
	}
}

// Add stores a source from normalized bytes, computes LineIdx and Hash, and returns it.
// It always creates a new source even if one with the same path already exists.
func (fileSet *FileSet) Add(path string, content []byte, flags FileFlags) *File {
	return fileSet.AddWithMime(path, content, flags, DefaultMimeType)
}

// AddWithMime is Add with an explicit mime type.
func (fileSet *FileSet) AddWithMime(path string, content []byte, flags FileFlags, mimeType string) *File {
	hash := sha256.Sum256(content)
	lineIdx := buildLineIndex(content)
	normalizedPath := normalizePath(path)
	if mimeType == "" {
		mimeType = DefaultMimeType
	}

	fileSet.mu.Lock()
	defer fileSet.mu.Unlock()

	lenFiles, err := safecast.Conv[uint32](len(fileSet.files))
	if err != nil {
		panic(fmt.Errorf("len files overflow: %w", err))
	}
	f := &File{
		ID:       FileID(lenFiles),
		Path:     normalizedPath,
		Content:  content,
		LineIdx:  lineIdx,
		Hash:     hash,
		Flags:    flags,
		MimeType: mimeType,
	}
	fileSet.files = append(fileSet.files, f)
	// всегда обновляем индекс на последнюю версию
	fileSet.index[normalizedPath] = f.ID
	return f
}

// Load reads a source from disk, normalizes CRLF/BOM, and calls Add.
func (fileSet *FileSet) Load(path string) (*File, error) {
	// #nosec G304 -- path is provided by the caller
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	content, hadBOM := removeBOM(content)
	content, hadCRLF := normalizeCRLF(content)

	flags := FileFlags(0)
	if hadBOM {
		flags |= FileHadBOM
	}
	if hadCRLF {
		flags |= FileNormalizedCRLF
	}
	return fileSet.Add(path, content, flags), nil
}

// AddVirtual adds a virtual source (stdin, test, or generated) with the FileVirtual flag.
func (fileSet *FileSet) AddVirtual(name string, content []byte) *File {
	return fileSet.Add(name, content, FileVirtual)
}

// AddInternal adds a virtual source that is hidden from filters excluding internal code.
func (fileSet *FileSet) AddInternal(name string, content []byte) *File {
	return fileSet.Add(name, content, FileVirtual|FileInternal)
}

// Get returns the source for the given ID, or nil when the ID is unknown.
func (fileSet *FileSet) Get(id FileID) *File {
	fileSet.mu.RLock()
	defer fileSet.mu.RUnlock()
	if int(id) >= len(fileSet.files) {
		return nil
	}
	return fileSet.files[id]
}

// GetLatest returns the latest source loaded for the given path.
func (fileSet *FileSet) GetLatest(path string) (*File, bool) {
	fileSet.mu.RLock()
	defer fileSet.mu.RUnlock()
	id, ok := fileSet.index[normalizePath(path)]
	if !ok {
		return nil, false
	}
	return fileSet.files[id], true
}

// Files returns a snapshot of all loaded sources in load order.
func (fileSet *FileSet) Files() []*File {
	fileSet.mu.RLock()
	defer fileSet.mu.RUnlock()
	out := make([]*File, len(fileSet.files))
	copy(out, fileSet.files)
	return out
}

// Len returns the number of loaded sources.
func (fileSet *FileSet) Len() int {
	fileSet.mu.RLock()
	defer fileSet.mu.RUnlock()
	return len(fileSet.files)
}

// Position converts a byte offset into a line and column.
func (f *File) Position(off uint32) LineCol {
	return toLineCol(f.LineIdx, off)
}

// LineCount returns the number of lines in the source.
func (f *File) LineCount() int {
	if len(f.Content) == 0 {
		return 0
	}
	n := len(f.LineIdx) + 1
	if f.Content[len(f.Content)-1] == '\n' {
		n--
	}
	return n
}

// GetLine returns the text of the given 1-based line, or "" if it does not exist.
func (f *File) GetLine(lineNum uint32) string {
	if lineNum == 0 {
		return ""
	}

	var start, end, lenLineIdx, lenContent uint32
	var err error
	lenLineIdx, err = safecast.Conv[uint32](len(f.LineIdx))
	if err != nil {
		panic(fmt.Errorf("line index length overflow: %w", err))
	}
	lenContent, err = safecast.Conv[uint32](len(f.Content))
	if err != nil {
		panic(fmt.Errorf("content length overflow: %w", err))
	}

	switch {
	case lineNum == 1:
		start = 0
	case (lineNum - 2) < lenLineIdx:
		start = f.LineIdx[lineNum-2] + 1
	default:
		return ""
	}

	if (lineNum - 1) < lenLineIdx {
		end = f.LineIdx[lineNum-1]
	} else {
		end = lenContent
	}

	if start >= lenContent {
		return ""
	}
	if end > lenContent {
		end = lenContent
	}

	return string(f.Content[start:end])
}

// Section creates a section of this source. Panics on out-of-range offsets, since
// sections are only created by parsers that already validated them.
func (f *File) Section(start, length int) Section {
	s, err := safecast.Conv[uint32](start)
	if err != nil {
		panic(fmt.Errorf("section start: %w", err))
	}
	l, err := safecast.Conv[uint32](length)
	if err != nil {
		panic(fmt.Errorf("section length: %w", err))
	}
	if int(s)+int(l) > len(f.Content) {
		panic(fmt.Errorf("section %d+%d out of range for %s (%d bytes)", s, l, f.Path, len(f.Content)))
	}
	return Section{Source: f, Start: s, Length: l}
}
