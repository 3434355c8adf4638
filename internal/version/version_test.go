package version

import "testing"

func TestInfo(t *testing.T) {
	old := Version
	Version = "v1.2.3"
	defer func() { Version = old }()

	info := Get()
	if info.Version != "v1.2.3" {
		t.Errorf("Get().Version = %q, want v1.2.3", info.Version)
	}
	if got, want := info.String(), "mapper v1.2.3 (commit unknown, built unknown)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
