package remux

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

const opusSampleRate = 48000

// AudioDecoder decodes one compressed audio frame into interleaved s16le PCM.
type AudioDecoder interface {
	Decode(frame []byte) ([]byte, error)
	Close()
}

// DecoderFactory creates an AudioDecoder for the given output format.
type DecoderFactory func(sampleRate, channels int) (AudioDecoder, error)

type pcmTrack struct {
	id       int
	channels int
	dec      AudioDecoder
}

// transcode decodes Opus samples into PCM samples. The decoder is created on
// first use and lives as long as the Remuxer.
func (r *Remuxer) transcode(in []*fmp4.Sample) ([]*fmp4.Sample, error) {
	if r.pcm.dec == nil {
		dec, err := r.opts.NewDecoder(opusSampleRate, r.pcm.channels)
		if err != nil {
			return nil, fmt.Errorf("remux: create opus decoder: %w", err)
		}
		r.pcm.dec = dec
	}

	frameBytes := 2 * r.pcm.channels
	out := make([]*fmp4.Sample, 0, len(in))
	for i, s := range in {
		pcm, err := r.pcm.dec.Decode(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("remux: decode opus sample %d: %w", i, err)
		}
		if len(pcm) == 0 {
			continue
		}
		out = append(out, &fmp4.Sample{
			Duration: uint32(len(pcm) / frameBytes),
			Payload:  pcm,
		})
	}
	return out, nil
}
