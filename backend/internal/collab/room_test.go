package collab

import "testing"

func TestNewFile_AppendsExtension(t *testing.T) {
	f := NewFile("util", "go")
	if f.Name != "util.go" {
		t.Fatalf("Name = %q, want util.go", f.Name)
	}
	if f.Content != PlaceholderContent {
		t.Fatalf("Content = %q, want placeholder", f.Content)
	}
	if f.ID == 0 {
		t.Fatalf("ID not assigned")
	}

	// 名字已带点就不再补扩展名
	f2 := NewFile("Makefile.am", "c")
	if f2.Name != "Makefile.am" {
		t.Fatalf("Name = %q, want Makefile.am", f2.Name)
	}

	// 未知语言按语言名兜底
	f3 := NewFile("query", "sql")
	if f3.Name != "query.sql" {
		t.Fatalf("Name = %q, want query.sql", f3.Name)
	}
}

func TestIsPlaceholder(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"   ", true},
		{PlaceholderContent, true},
		{"// Start typing", true},
		{"print(1)", false},
	}
	for _, tc := range cases {
		if got := IsPlaceholder(tc.in); got != tc.want {
			t.Fatalf("IsPlaceholder(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidFiles(t *testing.T) {
	in := []File{
		{ID: 1, Name: "ok.py"},
		{ID: 0, Name: "no-id.py"},
		{ID: 2, Name: ""},
	}
	out := ValidFiles(in)
	if len(out) != 1 || out[0].Name != "ok.py" {
		t.Fatalf("ValidFiles() = %v, want [ok.py]", out)
	}
}
