package engine

import "go.uber.org/atomic"

// CancelToken is a cancellation flag shared between the goroutine running an
// operation and the goroutines that may stop it. Once set it stays set until
// the next operation starts.
type CancelToken struct {
	flag atomic.Bool
}

// Cancel sets the token.
func (t *CancelToken) Cancel() {
	t.flag.Store(true)
}

// IsSet reports whether Cancel has been called since the operation started.
func (t *CancelToken) IsSet() bool {
	return t.flag.Load()
}

func (t *CancelToken) reset() {
	t.flag.Store(false)
}
