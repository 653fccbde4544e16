package browser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.True(t, opts.Headless)
	assert.Equal(t, "chromium", opts.BrowserType)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 30*time.Second, opts.NavigationTimeout)
	assert.Equal(t, 1920, opts.ViewportWidth)
	assert.Equal(t, 1080, opts.ViewportHeight)
	assert.Equal(t, "ru-RU", opts.Locale)
	assert.Equal(t, "Europe/Moscow", opts.TimezoneID)
	assert.NotEmpty(t, opts.UserAgents)
}

func TestPickUserAgent(t *testing.T) {
	agents := []string{"ua-1", "ua-2", "ua-3"}
	for i := 0; i < 20; i++ {
		assert.Contains(t, agents, pickUserAgent(agents))
	}

	assert.Equal(t, DefaultOptions().UserAgents[0], pickUserAgent(nil))
}

func TestRandomHeaders(t *testing.T) {
	h := randomHeaders()

	assert.Equal(t, "1", h["DNT"])
	assert.Contains(t, h["Accept"], "text/html")
	assert.Contains(t, h["Accept-Language"], "ru")
}

func TestStatusError(t *testing.T) {
	assert.Equal(t, "no response from https://fix-price.com/x", (&StatusError{URL: "https://fix-price.com/x"}).Error())
	assert.Equal(t, "http status 404 from https://fix-price.com/x", (&StatusError{URL: "https://fix-price.com/x", Status: 404}).Error())
}
