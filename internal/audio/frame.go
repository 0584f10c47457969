// Package audio paces raw PCM into fixed 10 ms frames at real-time cadence.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// FrameDuration is the fixed audio quantum of every delivered frame.
const FrameDuration = 10 * time.Millisecond

const framesPerSecond = int(time.Second / FrameDuration)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate    int `mapstructure:"sample_rate" json:"sample_rate"`
	BitsPerSample int `mapstructure:"bits_per_sample" json:"bits_per_sample"`
	Channels      int `mapstructure:"channels" json:"channels"`
}

// Validate accepts 16-bit PCM whose 10 ms quantum is a whole number of
// samples.
func (f Format) Validate() error {
	switch {
	case f.BitsPerSample != 16:
		return fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, f.BitsPerSample)
	case f.SampleRate <= 0 || f.SampleRate%framesPerSecond != 0:
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	case f.Channels <= 0:
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	return nil
}

// FrameBytes is the byte length of one 10 ms frame.
func (f Format) FrameBytes() int {
	return f.SampleRate * f.BitsPerSample / 8 * f.Channels / framesPerSecond
}

// Frame is one 10 ms block of interleaved samples.
type Frame struct {
	Samples       []int16
	SampleRate    int
	BitsPerSample int
	ChannelCount  int
	// FrameCount is the number of samples per channel.
	FrameCount int
}

// newFrame decodes exactly one frame worth of little-endian bytes.
func newFrame(f Format, raw []byte) Frame {
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return Frame{
		Samples:       samples,
		SampleRate:    f.SampleRate,
		BitsPerSample: f.BitsPerSample,
		ChannelCount:  f.Channels,
		FrameCount:    len(samples) / f.Channels,
	}
}

// FrameSink receives paced frames; typically an outbound track.
type FrameSink interface {
	WriteFrame(Frame) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(Frame) error

func (f FrameSinkFunc) WriteFrame(fr Frame) error { return f(fr) }
