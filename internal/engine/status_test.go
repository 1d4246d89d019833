package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusChannelKeepsLatest(t *testing.T) {
	c := NewStatusChannel()
	assert.Equal(t, Status{}, c.Latest())

	c.SetStatus("Retrieving series 1.2.3")
	c.ReportStatus("Retrieving series 1.2.4")
	latest := c.Latest()
	assert.Equal(t, "Retrieving series 1.2.4", latest.Text)
	assert.Empty(t, latest.ErrorTitle)
	assert.False(t, latest.UpdatedAt.IsZero())

	c.ReportError("Store write failed", "disk full")
	latest = c.Latest()
	assert.Equal(t, "Store write failed: disk full", latest.Text)
	assert.Equal(t, "Store write failed", latest.ErrorTitle)
	assert.Equal(t, "disk full", latest.ErrorDetail)

	c.SetStatus("idle")
	assert.Empty(t, c.Latest().ErrorTitle)
}

func TestStatusChannelConcurrentWriters(t *testing.T) {
	c := NewStatusChannel()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.SetStatus("working")
				c.ReportError("failed", "detail")
				_ = c.Latest()
			}
		}()
	}
	wg.Wait()
	assert.NotEmpty(t, c.Latest().Text)
}

func TestCancelToken(t *testing.T) {
	var token CancelToken
	assert.False(t, token.IsSet())
	token.Cancel()
	token.Cancel()
	assert.True(t, token.IsSet())
	token.reset()
	assert.False(t, token.IsSet())
}
