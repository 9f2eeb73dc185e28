package twilio

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/adapters/tts"
	"github.com/MarnixReijntjes/Katapult-Media-sub000/pkg/errorsx"
)

const maxGreetingBytes = 4 << 20

// GreetingCache holds synthesized greeting audio keyed by the exact text.
// Entries expire after the configured TTL and are re-synthesized on demand.
type GreetingCache struct {
	synth tts.Synthesizer
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]greetingEntry
	// in-flight synthesis per text, so concurrent webhooks share one request
	pending map[string]*greetingCall
}

type greetingEntry struct {
	audio   []byte
	expires time.Time
}

type greetingCall struct {
	done  chan struct{}
	audio []byte
	err   error
}

func NewGreetingCache(synth tts.Synthesizer, ttl time.Duration) *GreetingCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &GreetingCache{
		synth:   synth,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]greetingEntry),
		pending: make(map[string]*greetingCall),
	}
}

// ContentType reports the MIME type of the cached audio.
func (c *GreetingCache) ContentType() string {
	format := strings.ToLower(c.synth.OutputFormat())
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "ulaw"):
		return "audio/basic"
	default:
		return "application/octet-stream"
	}
}

// Get returns the audio for text, synthesizing it when missing or expired.
func (c *GreetingCache) Get(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errorsx.Newf(errorsx.ReasonTTSEmpty, "greeting: empty text")
	}
	c.mu.Lock()
	if e, ok := c.entries[text]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.audio, nil
	}
	if call, ok := c.pending[text]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.audio, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &greetingCall{done: make(chan struct{})}
	c.pending[text] = call
	c.mu.Unlock()

	call.audio, call.err = c.synthesize(ctx, text)

	c.mu.Lock()
	delete(c.pending, text)
	if call.err == nil {
		c.entries[text] = greetingEntry{audio: call.audio, expires: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()
	close(call.done)
	return call.audio, call.err
}

// Purge drops expired entries.
func (c *GreetingCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

// PurgeEvery calls Purge on each tick until ctx is done. A non-positive
// interval uses the TTL.
func (c *GreetingCache) PurgeEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Purge()
		}
	}
}

func (c *GreetingCache) synthesize(ctx context.Context, text string) ([]byte, error) {
	rc, err := c.synth.Synthesize(ctx, tts.Request{Text: text})
	if err != nil {
		return nil, fmt.Errorf("greeting synthesis: %w", err)
	}
	defer rc.Close()
	audio, err := io.ReadAll(io.LimitReader(rc, maxGreetingBytes))
	if err != nil {
		return nil, fmt.Errorf("greeting read: %w", err)
	}
	if len(audio) == 0 {
		return nil, errorsx.Newf(errorsx.ReasonTTSEmpty, "greeting: synthesizer returned no audio")
	}
	return audio, nil
}
