package stream

import (
	"io"
	"time"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// BumpEpoch supersedes the current connection without cancelling it, as a
// newer connect attempt would.
func BumpEpoch(c *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
}

func Backoff(c *Client, attempt int) time.Duration {
	return c.backoff(attempt)
}

// NewEventDecoder exposes the stream message decoder.
func NewEventDecoder(rc io.ReadCloser, maxSize int, onOversize func(int)) ssestream.Decoder {
	return newEventDecoder(rc, maxSize, onOversize)
}
