package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "maps")
	outside := filepath.Join(tmpDir, "elsewhere")
	for _, d := range []string{root, outside} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		root    string
		wantErr bool
	}{
		{"root itself", root, root, false},
		{"existing child", filepath.Join(root, "grid"), root, false},
		{"missing nested child", filepath.Join(root, "a", "b", "c"), root, false},
		{"dot dot", filepath.Join(root, "..", "elsewhere"), root, true},
		{"relative escape", "../../../etc", root, true},
		{"absolute elsewhere", "/etc", root, true},
		{"through symlink", filepath.Join(link, "grid"), root, true},
		{"symlink itself", link, root, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, tt.root)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePathWithinDirectory(%q, %q) = %v, wantErr %v", tt.path, tt.root, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrOutsideRoot) {
				t.Errorf("error %v does not wrap ErrOutsideRoot", err)
			}
		})
	}
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()

	if err := ValidatePathWithinAllowedDirs(filepath.Join(b, "grid"), []string{a, b}); err != nil {
		t.Errorf("path in second dir rejected: %v", err)
	}
	if err := ValidatePathWithinAllowedDirs("/etc/passwd", []string{a, b}); err == nil {
		t.Error("path outside every dir accepted")
	}
	if err := ValidatePathWithinAllowedDirs(filepath.Join(a, "grid"), nil); !errors.Is(err, ErrOutsideRoot) {
		t.Errorf("no dirs: got %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"grid", "grid"},
		{"office-3d_v2.1", "office-3d_v2.1"},
		{"../etc/passwd", "etc_passwd"},
		{"a  b///c", "a_b_c"},
		{"...", "unknown"},
		{"", "unknown"},
		{"ñandú", "and"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	if got := SanitizeFilename(string(long)); len(got) != maxNameLen {
		t.Errorf("long name sanitized to %d bytes, want %d", len(got), maxNameLen)
	}
}

func TestIsSafeName(t *testing.T) {
	for name, want := range map[string]bool{
		"grid":      true,
		"lidar.3d":  true,
		"":          false,
		"../grid":   false,
		"two words": false,
		".hidden":   false,
	} {
		if got := IsSafeName(name); got != want {
			t.Errorf("IsSafeName(%q) = %v, want %v", name, got, want)
		}
	}
}
