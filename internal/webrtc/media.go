package webrtc

import (
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"

	// Registers the camera and microphone adapters with mediadevices.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"peercall/internal/domain"
	"peercall/internal/quality"
)

// Acquirer opens local capture devices for a call. The device-backed
// implementation talks to real hardware; tests substitute a fake.
type Acquirer interface {
	Acquire(kind domain.CallKind, profile quality.Profile) (*LocalMedia, error)
}

// LocalMedia bundles the captured stream with the codec selector that
// produced it. The selector is needed again when a PeerConnection is
// built around these tracks.
type LocalMedia struct {
	stream   mediadevices.MediaStream
	selector *mediadevices.CodecSelector
	kind     domain.CallKind
}

// Selector returns the codec selector used to encode this stream.
func (m *LocalMedia) Selector() *mediadevices.CodecSelector { return m.selector }

// Kind returns the call kind the media was acquired for.
func (m *LocalMedia) Kind() domain.CallKind { return m.kind }

// VideoTrack returns the captured video track, or nil for audio-only calls.
func (m *LocalMedia) VideoTrack() mediadevices.Track {
	if m.stream == nil {
		return nil
	}
	tracks := m.stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil
	}
	return tracks[0]
}

// AudioTrack returns the captured audio track, or nil if none was opened.
func (m *LocalMedia) AudioTrack() mediadevices.Track {
	if m.stream == nil {
		return nil
	}
	tracks := m.stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil
	}
	return tracks[0]
}

// Close releases the capture devices.
func (m *LocalMedia) Close() {
	if m.stream == nil {
		return
	}
	for _, track := range m.stream.GetTracks() {
		track.Close()
	}
	m.stream = nil
}

// DeviceAcquirer opens the system camera and microphone through
// mediadevices.
type DeviceAcquirer struct{}

// Acquire opens capture devices sized to the given profile. Video calls
// get camera plus microphone, audio calls microphone only. Failures are
// wrapped as MediaAcquisitionError and never retried here.
func (DeviceAcquirer) Acquire(kind domain.CallKind, profile quality.Profile) (*LocalMedia, error) {
	selector, err := newCodecSelector(profile)
	if err != nil {
		return nil, &domain.MediaAcquisitionError{Device: "media", Err: err}
	}

	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: selector,
	}
	if kind == domain.KindVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(profile.Width)
			c.Height = prop.Int(profile.Height)
			c.FrameRate = prop.Float(float32(profile.FrameRate))
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		device := "microphone"
		if kind == domain.KindVideo {
			device = "camera"
		}
		return nil, &domain.MediaAcquisitionError{Device: device, Err: err}
	}

	return &LocalMedia{stream: stream, selector: selector, kind: kind}, nil
}

// newCodecSelector builds VP8 and Opus encoders with the profile's
// outgoing bitrate cap.
func newCodecSelector(profile quality.Profile) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = profile.MaxBitrate
	vpxParams.KeyFrameInterval = profile.FrameRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}
