package capture

import (
	"encoding/binary"
	"fmt"
	"time"

	"layeh.com/gopus"

	"github.com/parley-ai/parley/pkg/audio"
)

// Opus decoders run at the codec's native 48 kHz. Browser capture tracks may
// be mono or stereo, so the decoder is opened stereo (it upmixes mono
// packets) and the output is normalised to the pipeline format afterwards.
const (
	opusRate     = 48000
	opusChannels = 2

	// maxOpusFrame is the largest Opus frame in samples per channel (120 ms).
	maxOpusFrame = opusRate * 120 / 1000
)

// PacketSource yields encoded Opus packets, one packet per read. Reads block
// until a packet is available and return io.EOF when the stream ends.
type PacketSource interface {
	ReadPacket() ([]byte, error)
	Close() error
}

// OpusSource decodes an Opus packet stream and downconverts it to 16 kHz
// mono PCM, letting browsers and other Opus-native front ends feed the
// pipeline without shipping raw PCM.
type OpusSource struct {
	packets PacketSource
	dec     *gopus.Decoder
	conv    audio.FormatConverter
	elapsed time.Duration
}

var _ Source = (*OpusSource)(nil)

// NewOpusSource creates a decoding source over packets.
func NewOpusSource(packets PacketSource) (*OpusSource, error) {
	dec, err := gopus.NewDecoder(opusRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("capture: create opus decoder: %w", err)
	}
	return &OpusSource{
		packets: packets,
		dec:     dec,
		conv: audio.FormatConverter{
			Target: audio.Format{SampleRate: audio.CaptureRate, Channels: 1},
		},
	}, nil
}

// ReadChunk decodes the next packet and returns it as little-endian 16-bit
// PCM in the pipeline format. Implements [Source].
func (o *OpusSource) ReadChunk() ([]byte, error) {
	pkt, err := o.packets.ReadPacket()
	if err != nil {
		return nil, err
	}

	samples, err := o.dec.Decode(pkt, maxOpusFrame, false)
	if err != nil {
		return nil, fmt.Errorf("capture: decode opus packet: %w", err)
	}

	raw := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(s))
	}
	decoded := audio.Format{SampleRate: opusRate, Channels: opusChannels}
	frame := o.conv.Convert(audio.Frame{
		Data:       raw,
		SampleRate: opusRate,
		Channels:   opusChannels,
		Timestamp:  o.elapsed,
	})
	o.elapsed += audio.Duration(len(raw), decoded)
	return frame.Data, nil
}

// Close closes the underlying packet source.
func (o *OpusSource) Close() error {
	return o.packets.Close()
}
