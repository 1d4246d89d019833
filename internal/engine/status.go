package engine

import (
	"sync"
	"time"
)

// Observer receives status lines and error reports from the engines.
type Observer interface {
	SetStatus(text string)
	ReportError(title, detail string)
}

// Status is the latest status line. ErrorTitle is empty unless the line was
// produced by ReportError.
type Status struct {
	Text        string    `json:"text"`
	ErrorTitle  string    `json:"error_title,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusChannel keeps only the latest status written by any goroutine.
type StatusChannel struct {
	mu     sync.Mutex
	latest Status
}

// NewStatusChannel creates an empty status channel
func NewStatusChannel() *StatusChannel {
	return &StatusChannel{}
}

// SetStatus replaces the status line.
func (c *StatusChannel) SetStatus(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = Status{Text: text, UpdatedAt: time.Now()}
}

// ReportStatus is an alias of SetStatus.
func (c *StatusChannel) ReportStatus(text string) {
	c.SetStatus(text)
}

// ReportError replaces the status line with an error.
func (c *StatusChannel) ReportError(title, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = Status{
		Text:        title + ": " + detail,
		ErrorTitle:  title,
		ErrorDetail: detail,
		UpdatedAt:   time.Now(),
	}
}

// Latest returns a copy of the latest status.
func (c *StatusChannel) Latest() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

type nopObserver struct{}

func (nopObserver) SetStatus(string)           {}
func (nopObserver) ReportError(string, string) {}
