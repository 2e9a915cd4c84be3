package version

import "testing"

func TestGet(t *testing.T) {
	origVersion, origCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	tests := []struct {
		version, commit, want string
	}{
		{"main", "", "main"},
		{"v0.3.0", "abc", "v0.3.0+abc"},
		{"v0.3.0", "0123456789abcdef", "v0.3.0+0123456"},
	}
	for _, tt := range tests {
		Version, Commit = tt.version, tt.commit
		if got := Get(); got != tt.want {
			t.Errorf("Get() with %q/%q = %q, want %q", tt.version, tt.commit, got, tt.want)
		}
	}
}
