package source

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestFileSetVersioning(t *testing.T) {
	fs := NewFileSet()

	f1 := fs.Add("test.tl", []byte("hello world"), 0)
	if f1.ID != 0 {
		t.Errorf("Expected first FileID to be 0, got %d", f1.ID)
	}

	latest, exists := fs.GetLatest("test.tl")
	if !exists || latest != f1 {
		t.Fatalf("Expected latest to be first file, got %v (exists=%v)", latest, exists)
	}

	// тот же путь, новое содержимое
	f2 := fs.Add("test.tl", []byte("hello universe"), 0)
	if f2.ID != 1 {
		t.Errorf("Expected second FileID to be 1, got %d", f2.ID)
	}
	latest, _ = fs.GetLatest("test.tl")
	if latest != f2 {
		t.Errorf("Expected latest to be second file")
	}

	if string(fs.Get(f1.ID).Content) != "hello world" {
		t.Errorf("old version must stay reachable")
	}
	if fs.Get(99) != nil {
		t.Errorf("unknown id must return nil")
	}
	if fs.Len() != 2 || len(fs.Files()) != 2 {
		t.Errorf("expected 2 files, got %d", fs.Len())
	}
}

func TestAddVirtualLineIdx(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected []uint32
	}{
		{"empty", "", []uint32{}},
		{"single line", "hello", []uint32{}},
		{"two lines", "hello\nworld", []uint32{5}},
		{"trailing newline", "a\nb\n", []uint32{1, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFileSet().AddVirtual("v.tl", []byte(tt.content))
			if len(f.LineIdx) != len(tt.expected) {
				t.Fatalf("LineIdx = %v, want %v", f.LineIdx, tt.expected)
			}
			for i := range tt.expected {
				if f.LineIdx[i] != tt.expected[i] {
					t.Fatalf("LineIdx[%d] = %d, want %d", i, f.LineIdx[i], tt.expected[i])
				}
			}
			if f.Flags&FileVirtual == 0 {
				t.Errorf("virtual flag not set")
			}
		})
	}
}

func TestLoadNormalizesBOMAndCRLF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.tl")
	content := append([]byte{0xEF, 0xBB, 0xBF}, []byte("ROOT(\r\nSTATEMENT)\r\n")...)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := NewFileSet().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(f.Content) != "ROOT(\nSTATEMENT)\n" {
		t.Fatalf("content not normalized: %q", f.Content)
	}
	if f.Flags&FileHadBOM == 0 || f.Flags&FileNormalizedCRLF == 0 {
		t.Fatalf("flags = %b", f.Flags)
	}
	if f.MimeType != DefaultMimeType {
		t.Errorf("mime = %q", f.MimeType)
	}
	if f.Name() != "main.tl" {
		t.Errorf("name = %q", f.Name())
	}
	if _, err := NewFileSet().Load(filepath.Join(dir, "missing.tl")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestInternalFlag(t *testing.T) {
	fs := NewFileSet()
	if fs.AddVirtual("a", nil).Internal() {
		t.Errorf("virtual source must not be internal")
	}
	if !fs.AddInternal("b", nil).Internal() {
		t.Errorf("internal source must be internal")
	}
	var nilFile *File
	if nilFile.Internal() {
		t.Errorf("nil file must not be internal")
	}
}

func TestGetLine(t *testing.T) {
	f := NewFileSet().AddVirtual("x", []byte("one\ntwo\nthree"))
	cases := map[uint32]string{0: "", 1: "one", 2: "two", 3: "three", 4: ""}
	for line, want := range cases {
		if got := f.GetLine(line); got != want {
			t.Errorf("GetLine(%d) = %q, want %q", line, got, want)
		}
	}
	if f.LineCount() != 3 {
		t.Errorf("LineCount = %d", f.LineCount())
	}
}

func TestFileSetConcurrentAdd(t *testing.T) {
	fs := NewFileSet()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fs.AddVirtual("shared.tl", []byte("STATEMENT"))
		}()
	}
	wg.Wait()
	if fs.Len() != 16 {
		t.Fatalf("expected 16 files, got %d", fs.Len())
	}
	seen := make(map[FileID]bool)
	for _, f := range fs.Files() {
		if seen[f.ID] {
			t.Fatalf("duplicate id %d", f.ID)
		}
		seen[f.ID] = true
	}
}
