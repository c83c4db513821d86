package source

import "testing"

func TestSectionPositions(t *testing.T) {
	f := NewFileSet().AddVirtual("s.tl", []byte("ROOT(\n  STATEMENT,\n  CALL(foo))"))
	stmt := f.Section(8, 9) // STATEMENT
	if stmt.Text() != "STATEMENT" {
		t.Fatalf("text = %q", stmt.Text())
	}
	if stmt.StartLine() != 2 || stmt.EndLine() != 2 {
		t.Errorf("lines = %d..%d", stmt.StartLine(), stmt.EndLine())
	}
	if stmt.StartColumn() != 3 || stmt.EndColumn() != 11 {
		t.Errorf("columns = %d..%d", stmt.StartColumn(), stmt.EndColumn())
	}
	if stmt.String() != "s.tl:2:3" {
		t.Errorf("String = %q", stmt.String())
	}

	root := f.Section(0, len(f.Content))
	if !root.Contains(stmt) || stmt.Contains(root) {
		t.Errorf("containment broken")
	}
	if root.EndLine() != 3 {
		t.Errorf("root end line = %d", root.EndLine())
	}
}

func TestSectionIdentityEquality(t *testing.T) {
	fs := NewFileSet()
	a := fs.AddVirtual("same.tl", []byte("STATEMENT"))
	b := fs.AddVirtual("same.tl", []byte("STATEMENT"))
	if a.Section(0, 9) == b.Section(0, 9) {
		t.Fatalf("sections of distinct sources with equal content must differ")
	}
	if a.Section(0, 9) != a.Section(0, 9) {
		t.Fatalf("sections of one source must compare equal")
	}
}

func TestSectionUnavailable(t *testing.T) {
	var s Section
	if s.Available() {
		t.Fatalf("zero section must be unavailable")
	}
	if s.StartLine() != 0 || s.Text() != "" || s.String() != "<no-section>" {
		t.Errorf("unexpected zero-section accessors")
	}
}

func TestSectionCover(t *testing.T) {
	f := NewFileSet().AddVirtual("c.tl", []byte("abcdefghij"))
	got := f.Section(2, 2).Cover(f.Section(6, 3))
	if got.Start != 2 || got.Length != 7 {
		t.Fatalf("cover = %d+%d", got.Start, got.Length)
	}
}

func TestSectionOutOfRangePanics(t *testing.T) {
	f := NewFileSet().AddVirtual("p.tl", []byte("abc"))
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	f.Section(2, 5)
}
