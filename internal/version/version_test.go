package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	old := [3]string{Version, GitSHA, BuildTime}
	defer func() { Version, GitSHA, BuildTime = old[0], old[1], old[2] }()

	Version, GitSHA, BuildTime = "0.3.0", "abc123", "2026-10-19T12:00:00Z"
	assert.Equal(t, "0.3.0 (abc123, built 2026-10-19T12:00:00Z)", String())
}
