package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrStreamAttached = errors.New("pacer already has a stream")

const (
	defaultEpsilon  = time.Millisecond
	defaultReadSize = 4096
	chunkBacklog    = 16
)

type Option func(*Pacer)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pacer) { p.logger = l }
}

// WithEpsilon sets how much earlier than the ideal deadline the loop wakes,
// to absorb scheduling overhead.
func WithEpsilon(d time.Duration) Option {
	return func(p *Pacer) { p.epsilon = d }
}

func WithReadSize(n int) Option {
	return func(p *Pacer) {
		if n > 0 {
			p.readSize = n
		}
	}
}

type Stats struct {
	Frames         int64 `json:"frames"`
	Underruns      int64 `json:"underruns"`
	DiscardedBytes int64 `json:"discarded_bytes"`
}

// Pacer slices one PCM stream into 10 ms frames and hands them to a sink at
// real-time cadence. Deadlines are computed from a start anchor and the
// amount of audio already delivered, so callback jitter never accumulates.
type Pacer struct {
	sink     FrameSink
	logger   zerolog.Logger
	epsilon  time.Duration
	readSize int

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	source  io.Reader
	done    chan struct{}

	frames    atomic.Int64
	underruns atomic.Int64
	discarded atomic.Int64
}

func NewPacer(sink FrameSink, opts ...Option) *Pacer {
	p := &Pacer{
		sink:     sink,
		logger:   log.With().Str("module", "audio.pacer").Logger(),
		epsilon:  defaultEpsilon,
		readSize: defaultReadSize,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// cursor is the loop's private view of the stream.
type cursor struct {
	cache     []byte
	ended     bool
	start     time.Time
	delivered time.Duration
	chunks    <-chan []byte
}

func (c *cursor) absorb(chunk []byte, ok bool) {
	if !ok {
		c.ended = true
		c.chunks = nil
		return
	}
	c.cache = append(c.cache, chunk...)
}

// AddStream starts pacing r. Every chunk read is appended to the cache; the
// stream counts as ended on EOF or on a read error.
func (p *Pacer) AddStream(ctx context.Context, r io.Reader, f Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrStreamAttached
	}
	p.started = true
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.source = r
	p.mu.Unlock()

	chunks := make(chan []byte, chunkBacklog)
	go p.read(ctx, r, chunks)
	go p.loop(ctx, f, chunks)

	p.logger.Info().
		Int("sample_rate", f.SampleRate).
		Int("channels", f.Channels).
		Int("frame_bytes", f.FrameBytes()).
		Msg("stream added")
	return nil
}

func (p *Pacer) read(ctx context.Context, r io.Reader, chunks chan<- []byte) {
	defer close(chunks)
	buf := make([]byte, p.readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("read audio stream")
			}
			return
		}
	}
}

func (p *Pacer) loop(ctx context.Context, f Format, chunks <-chan []byte) {
	defer close(p.done)

	frameBytes := f.FrameBytes()
	c := cursor{chunks: chunks}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if len(c.cache) >= frameBytes {
			if c.start.IsZero() {
				c.start = time.Now()
			}
			frame := newFrame(f, c.cache[:frameBytes])
			c.cache = c.cache[frameBytes:]
			if err := p.sink.WriteFrame(frame); err != nil {
				p.logger.Warn().Err(err).Msg("write frame")
			}
			p.frames.Add(1)

			next := c.start.Add(c.delivered + FrameDuration - p.epsilon)
			c.delivered += FrameDuration
			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			if !p.sleep(ctx, timer, wait, &c) {
				return
			}
			continue
		}

		if c.ended {
			if n := len(c.cache); n > 0 {
				p.discarded.Add(int64(n))
				p.logger.Debug().Int("bytes", n).Msg("discarding partial frame")
			}
			p.logger.Info().Int64("frames", p.frames.Load()).Msg("stream drained")
			return
		}

		// Underrun: restart the drift anchor and park until the reader
		// delivers more data instead of polling.
		if !c.start.IsZero() {
			p.underruns.Add(1)
			p.logger.Debug().Dur("delivered", c.delivered).Msg("audio underrun")
		}
		c.start = time.Time{}
		c.delivered = 0
		select {
		case chunk, ok := <-c.chunks:
			c.absorb(chunk, ok)
		case <-ctx.Done():
			return
		}
	}
}

// sleep waits for d while still absorbing incoming chunks.
func (p *Pacer) sleep(ctx context.Context, timer *time.Timer, d time.Duration, c *cursor) bool {
	timer.Reset(d)
	for {
		select {
		case <-timer.C:
			return true
		case chunk, ok := <-c.chunks:
			c.absorb(chunk, ok)
		case <-ctx.Done():
			timer.Stop()
			return false
		}
	}
}

// Done is closed once the stream is drained or the pacer is stopped.
func (p *Pacer) Done() <-chan struct{} { return p.done }

// Stop ends pacing early and waits for the loop to exit. A source that is
// an io.Closer is closed to unblock a pending read.
func (p *Pacer) Stop() {
	p.mu.Lock()
	started, cancel, source := p.started, p.cancel, p.source
	p.mu.Unlock()
	if !started {
		return
	}
	cancel()
	if closer, ok := source.(io.Closer); ok {
		_ = closer.Close()
	}
	<-p.done
}

func (p *Pacer) Stats() Stats {
	return Stats{
		Frames:         p.frames.Load(),
		Underruns:      p.underruns.Load(),
		DiscardedBytes: p.discarded.Load(),
	}
}
