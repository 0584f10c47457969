package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/zaf/g711"

	"github.com/dkeye/voicelink/internal/audio"
)

const pcmuRate = 8000

// SampleTrack is an outbound PCMU track fed by the audio pacer. Frames are
// mixed to mono and resampled to 8 kHz before μ-law encoding.
type SampleTrack struct {
	track *webrtc.TrackLocalStaticSample
}

var _ audio.FrameSink = (*SampleTrack)(nil)

func NewSampleTrack(id, streamID string) (*SampleTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuRate, Channels: 1},
		id, streamID,
	)
	if err != nil {
		return nil, err
	}
	return &SampleTrack{track: t}, nil
}

// Track is the pion track to hand to the negotiation engine.
func (s *SampleTrack) Track() webrtc.TrackLocal { return s.track }

func (s *SampleTrack) WriteFrame(f audio.Frame) error {
	return s.track.WriteSample(media.Sample{Data: encodePCMU(f), Duration: audio.FrameDuration})
}

// encodePCMU downmixes f, picks the nearest source sample for every 8 kHz
// output slot and μ-law encodes the result.
func encodePCMU(f audio.Frame) []byte {
	if f.FrameCount == 0 || f.ChannelCount == 0 {
		return nil
	}
	out := f.FrameCount * pcmuRate / f.SampleRate
	payload := make([]byte, out)
	for i := range payload {
		src := i * f.FrameCount / out
		payload[i] = g711.EncodeUlawFrame(mixdown(f.Samples[src*f.ChannelCount : (src+1)*f.ChannelCount]))
	}
	return payload
}

func mixdown(channels []int16) int16 {
	if len(channels) == 1 {
		return channels[0]
	}
	var sum int
	for _, s := range channels {
		sum += int(s)
	}
	return int16(sum / len(channels))
}
