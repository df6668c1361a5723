package remux

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// ErrNoInit is returned by Fragment before an init segment has been built.
var ErrNoInit = errors.New("remux: init segment not built")

// Options configures a Remuxer.
type Options struct {
	// TranscodeOpus replaces Opus tracks with 16-bit little endian PCM.
	TranscodeOpus bool
	// NewDecoder creates the Opus decoder. Required when TranscodeOpus is set.
	NewDecoder DecoderFactory
}

// Remuxer turns parsed chunks of one generation into an init segment and a
// sequence of fMP4 fragments. It is not safe for concurrent use.
type Remuxer struct {
	opts       Options
	init       []byte
	timeScales map[int]uint32
	pcm        *pcmTrack
}

// New returns a Remuxer with no init segment.
func New(opts Options) *Remuxer {
	return &Remuxer{opts: opts}
}

// Parse is the package level Parse. It is safe for concurrent use.
func (r *Remuxer) Parse(raw []byte) (*Container, error) {
	return Parse(raw)
}

// Init returns the init segment, or nil if none has been built.
func (r *Remuxer) Init() []byte {
	return r.init
}

// EnsureInit builds the init segment from c unless one already exists.
func (r *Remuxer) EnsureInit(c *Container) error {
	if r.init != nil {
		return nil
	}
	if c == nil || len(c.Tracks) == 0 {
		return ErrNoTracks
	}

	var init fmp4.Init
	timeScales := make(map[int]uint32, len(c.Tracks))
	var pcm *pcmTrack

	for _, t := range c.Tracks {
		codec, timeScale := t.Codec, t.TimeScale
		if opus, ok := t.Codec.(*mp4.CodecOpus); ok && r.opts.TranscodeOpus {
			if r.opts.NewDecoder == nil {
				return errors.New("remux: opus transcoding enabled without a decoder")
			}
			pcm = &pcmTrack{id: t.ID, channels: opus.ChannelCount}
			codec = &mp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     16,
				SampleRate:   opusSampleRate,
				ChannelCount: opus.ChannelCount,
			}
			timeScale = opusSampleRate
		}
		timeScales[t.ID] = timeScale
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.ID,
			TimeScale: timeScale,
			Codec:     codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("remux: marshal init: %w", err)
	}

	r.init = buf.Bytes()
	r.timeScales = timeScales
	r.pcm = pcm
	return nil
}

// Fragment renders c as a moof+mdat pair with the given sequence number and
// base media decode time. Tracks unknown to the init segment are dropped.
func (r *Remuxer) Fragment(c *Container, seq uint32, baseTimeMs int64) ([]byte, error) {
	if r.init == nil {
		return nil, ErrNoInit
	}
	if baseTimeMs < 0 {
		return nil, fmt.Errorf("remux: negative base time %d", baseTimeMs)
	}

	part := fmp4.Part{SequenceNumber: seq}
	for _, t := range c.Tracks {
		timeScale, ok := r.timeScales[t.ID]
		if !ok || len(t.Samples) == 0 {
			continue
		}

		samples := t.Samples
		if r.pcm != nil && r.pcm.id == t.ID {
			var err error
			if samples, err = r.transcode(samples); err != nil {
				return nil, err
			}
		}

		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.ID,
			BaseTime: uint64(baseTimeMs) * uint64(timeScale) / 1000,
			Samples:  samples,
		})
	}
	if len(part.Tracks) == 0 {
		return nil, ErrNoTracks
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("remux: marshal fragment %d: %w", seq, err)
	}
	return buf.Bytes(), nil
}

// Close releases the audio decoder. The Remuxer must not be used afterwards.
func (r *Remuxer) Close() {
	if r.pcm != nil && r.pcm.dec != nil {
		r.pcm.dec.Close()
		r.pcm.dec = nil
	}
}
