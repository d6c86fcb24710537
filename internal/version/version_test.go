package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	i := Info{Version: "1.2.0", GitSHA: "abc123", BuildTime: "2026-01-02"}
	assert.Equal(t, "stimtune 1.2.0 (abc123, built 2026-01-02)", i.String())
}

func TestGetDefaults(t *testing.T) {
	assert.Equal(t, Info{Version: "dev", GitSHA: "unknown", BuildTime: "unknown"}, Get())
}
