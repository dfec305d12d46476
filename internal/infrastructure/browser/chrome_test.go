package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocatorOptions(t *testing.T) {
	base := allocatorOptions(ChromeConfig{ViewportWidth: 1200, ViewportHeight: 800})
	sandboxed := allocatorOptions(ChromeConfig{ViewportWidth: 1200, ViewportHeight: 800, NoSandbox: true})
	withUA := allocatorOptions(ChromeConfig{ViewportWidth: 1200, ViewportHeight: 800, UserAgent: "HTMLtoPDF/1.0"})

	assert.Len(t, sandboxed, len(base)+2)
	assert.Len(t, withUA, len(base)+1)
}

func TestNavigationError(t *testing.T) {
	err := &NavigationError{URL: "https://nope.invalid", Reason: "net::ERR_NAME_NOT_RESOLVED"}
	assert.Equal(t, "navigate to https://nope.invalid: net::ERR_NAME_NOT_RESOLVED", err.Error())
}
