package audio_test

import (
	"testing"
	"time"

	"github.com/parley-ai/parley/pkg/audio"
)

func TestDuration(t *testing.T) {
	cases := []struct {
		name  string
		bytes int
		f     audio.Format
		want  time.Duration
	}{
		{"one second 16k mono", 32000, audio.Format{SampleRate: 16000, Channels: 1}, time.Second},
		{"20ms 16k mono", 640, audio.Format{SampleRate: 16000, Channels: 1}, 20 * time.Millisecond},
		{"one second 24k mono", 48000, audio.Format{SampleRate: 24000, Channels: 1}, time.Second},
		{"stereo halves duration", 32000, audio.Format{SampleRate: 16000, Channels: 2}, 500 * time.Millisecond},
		{"zero rate", 32000, audio.Format{}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := audio.Duration(tc.bytes, tc.f); got != tc.want {
				t.Fatalf("Duration(%d, %+v) = %v, want %v", tc.bytes, tc.f, got, tc.want)
			}
		})
	}
}

func TestFrameBytes(t *testing.T) {
	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got := audio.FrameBytes(20*time.Millisecond, f); got != 640 {
		t.Fatalf("FrameBytes(20ms, 16k mono) = %d, want 640", got)
	}
	if got := audio.FrameBytes(time.Second, audio.Format{SampleRate: 24000, Channels: 1}); got != 48000 {
		t.Fatalf("FrameBytes(1s, 24k mono) = %d, want 48000", got)
	}
}
