// Package audio provides the PCM frame type and format-conversion helpers
// shared by the capture and playback pipelines.
//
// All PCM data in Parley is little-endian signed 16-bit. The capture side
// normalises whatever the input device produces to 16 kHz mono before frames
// reach the live session; the playback side consumes the provider's 24 kHz
// mono output unchanged.
package audio

import "time"

// Standard formats used across the pipeline.
const (
	// CaptureRate is the sample rate (Hz) of microphone frames sent to the
	// live session.
	CaptureRate = 16000

	// PlaybackRate is the sample rate (Hz) of synthesised audio received
	// from the live session.
	PlaybackRate = 24000

	// bytesPerSample is the width of one s16le sample.
	bytesPerSample = 2
)

// Frame is a single chunk of PCM audio flowing through the pipeline.
// Frames are the atomic transport unit: produced by input sources, converted
// by [FormatConverter], and consumed by the session send path.
type Frame struct {
	// Data is s16le PCM. Sample rate and channel count are carried alongside
	// because sources differ (e.g. 48 kHz stereo Opus decode output).
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when the frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns the playback duration of n bytes of s16le PCM at the
// given format. Returns zero for a non-positive rate or channel count.
func Duration(n int, f Format) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / (bytesPerSample * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// FrameBytes returns the byte length of one frame of duration d at format f.
func FrameBytes(d time.Duration, f Format) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * bytesPerSample * f.Channels
}
