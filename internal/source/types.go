package source

type (
	// FileID uniquely identifies a loaded source within a FileSet.
	FileID uint32
	// FileFlags encodes metadata about a source.
	FileFlags uint8
)

const (
	// FileVirtual indicates the source was added from memory (test, stdin, eval string).
	FileVirtual FileFlags = 1 << iota
	// FileInternal marks sources that belong to the runtime itself, not to user code.
	FileInternal
	FileHadBOM
	FileNormalizedCRLF
)

// DefaultMimeType is assigned to sources loaded without an explicit mime type.
const DefaultMimeType = "application/x-tapline"

// File captures metadata and content for a single source.
//
// Sources are compared by identity: two Files with the same content are still
// different sources.
type File struct {
	ID       FileID
	Path     string
	Content  []byte
	LineIdx  []uint32
	Hash     [32]byte
	Flags    FileFlags
	MimeType string
}

// Internal reports whether the source is marked internal.
func (f *File) Internal() bool {
	return f != nil && f.Flags&FileInternal != 0
}

// Name returns the base name of the source path.
func (f *File) Name() string {
	if f == nil {
		return ""
	}
	return BaseName(f.Path)
}

// LineCol represents a human-readable position in a source file.
type LineCol struct {
	Line uint32 // 1-based
	Col  uint32 // 1-based
}
