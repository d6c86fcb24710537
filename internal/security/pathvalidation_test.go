package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "plots"), 0o755))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing subdir", filepath.Join(dir, "plots"), false},
		{"new file", filepath.Join(dir, "plots", "run.png"), false},
		{"new nested file", filepath.Join(dir, "a", "b", "run.png"), false},
		{"dir itself", dir, false},
		{"dot dot", filepath.Join(dir, "..", "escape.png"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, dir)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(dir, "evil")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(link, "run.png"), dir))
}

func TestMissingDirectory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(missing, "x"), missing))
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":                                     "unknown",
		"3f2a9c1e-8b7d-4c2a-9e1f-0a1b2c3d4e5f": "3f2a9c1e-8b7d-4c2a-9e1f-0a1b2c3d4e5f",
		"../../etc/passwd":                     "etc_passwd",
		"run id with spaces":                   "run_id_with_spaces",
		"a//b":                                 "a_b",
		"...":                                  "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
	assert.LessOrEqual(t, len(SanitizeFilename(strings.Repeat("x", 500))), maxFilenameLen)
}

func TestOutputPath(t *testing.T) {
	dir := t.TempDir()
	p, err := OutputPath(dir, "../run/1", ".png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run_1.png"), p)
}
