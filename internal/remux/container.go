package remux

import (
	"bytes"
	"errors"
	"fmt"

	amp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
)

// ErrNoTracks is returned when a chunk has no track with a supported codec.
var ErrNoTracks = errors.New("remux: no supported tracks")

// Track is one elementary stream of a parsed chunk.
type Track struct {
	ID        int
	TimeScale uint32
	Codec     mp4.Codec
	Samples   []*fmp4.Sample
}

// Container is the parsed box structure of one chunk. It only lives until
// the chunk has been turned into a fragment.
type Container struct {
	Tracks []*Track
}

// Parse validates the stream-info header of raw, checks that the payload is
// an mp4 container and extracts its tracks. It is safe for concurrent use.
func Parse(raw []byte) (*Container, error) {
	info, err := ParseStreamInfo(raw)
	if err != nil {
		return nil, err
	}
	if info.Container != "mp4" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContainer, info.Container)
	}
	return ParseMP4(raw[info.ContentOffset:])
}

var (
	boxOpus = amp4.StrToBoxType("Opus")
	boxDOps = amp4.StrToBoxType("dOps")

	stsdPath = amp4.BoxPath{amp4.BoxTypeMdia(), amp4.BoxTypeMinf(), amp4.BoxTypeStbl(), amp4.BoxTypeStsd()}

	trakPaths = []amp4.BoxPath{
		{amp4.BoxTypeTkhd()},
		{amp4.BoxTypeMdia(), amp4.BoxTypeMdhd()},
		{amp4.BoxTypeMdia(), amp4.BoxTypeMinf(), amp4.BoxTypeStbl(), amp4.BoxTypeStts()},
		{amp4.BoxTypeMdia(), amp4.BoxTypeMinf(), amp4.BoxTypeStbl(), amp4.BoxTypeStsz()},
		{amp4.BoxTypeMdia(), amp4.BoxTypeMinf(), amp4.BoxTypeStbl(), amp4.BoxTypeStsc()},
		{amp4.BoxTypeMdia(), amp4.BoxTypeMinf(), amp4.BoxTypeStbl(), amp4.BoxTypeStco()},
		{amp4.BoxTypeMdia(), amp4.BoxTypeMinf(), amp4.BoxTypeStbl(), amp4.BoxTypeCo64()},
		{amp4.BoxTypeMdia(), amp4.BoxTypeMinf(), amp4.BoxTypeStbl(), amp4.BoxTypeCtts()},
		{amp4.BoxTypeMdia(), amp4.BoxTypeMinf(), amp4.BoxTypeStbl(), amp4.BoxTypeStss()},
		append(stsdPath[:4:4], amp4.BoxTypeAvc1(), amp4.BoxTypeAvcC()),
		append(stsdPath[:4:4], boxOpus),
		append(stsdPath[:4:4], boxOpus, boxDOps),
		append(stsdPath[:4:4], amp4.BoxTypeMp4a()),
		append(stsdPath[:4:4], amp4.BoxTypeMp4a(), amp4.BoxTypeEsds()),
	}
)

// ParseMP4 extracts the tracks of a progressive mp4 file held in content.
func ParseMP4(content []byte) (*Container, error) {
	r := bytes.NewReader(content)

	traks, err := amp4.ExtractBox(r, nil, amp4.BoxPath{amp4.BoxTypeMoov(), amp4.BoxTypeTrak()})
	if err != nil {
		return nil, fmt.Errorf("remux: read moov: %w", err)
	}

	c := &Container{}
	for _, trak := range traks {
		t, err := parseTrak(r, trak, content)
		if err != nil {
			return nil, err
		}
		if t != nil {
			c.Tracks = append(c.Tracks, t)
		}
	}
	if len(c.Tracks) == 0 {
		return nil, ErrNoTracks
	}
	return c, nil
}

// parseTrak returns nil, nil for tracks whose codec is not supported.
func parseTrak(r *bytes.Reader, trak *amp4.BoxInfo, content []byte) (*Track, error) {
	boxes, err := amp4.ExtractBoxesWithPayload(r, trak, trakPaths)
	if err != nil {
		return nil, fmt.Errorf("remux: read trak: %w", err)
	}

	var (
		track       Track
		table       sampleTable
		audioEntry  *amp4.AudioSampleEntry
		opusEntry   bool
		opusConfig  *amp4.DOps
		aacConfig   []byte
		avcConfig   *amp4.AVCDecoderConfiguration
		haveOffsets bool
	)

	for _, b := range boxes {
		switch p := b.Payload.(type) {
		case *amp4.Tkhd:
			track.ID = int(p.TrackID)
		case *amp4.Mdhd:
			track.TimeScale = p.Timescale
		case *amp4.Stts:
			for _, e := range p.Entries {
				table.durations = append(table.durations, sttsRun{count: e.SampleCount, delta: e.SampleDelta})
			}
		case *amp4.Stsz:
			table.sizes = expandSizes(p.SampleSize, p.SampleCount, p.EntrySize)
		case *amp4.Stsc:
			for _, e := range p.Entries {
				table.chunks = append(table.chunks, stscRun{firstChunk: e.FirstChunk, samplesPerChunk: e.SamplesPerChunk})
			}
		case *amp4.Stco:
			haveOffsets = true
			for _, off := range p.ChunkOffset {
				table.chunkOffsets = append(table.chunkOffsets, uint64(off))
			}
		case *amp4.Co64:
			haveOffsets = true
			table.chunkOffsets = append(table.chunkOffsets, p.ChunkOffset...)
		case *amp4.Ctts:
			for _, e := range p.Entries {
				off := int32(e.SampleOffsetV0)
				if p.GetVersion() != 0 {
					off = e.SampleOffsetV1
				}
				table.ptsOffsets = append(table.ptsOffsets, cttsRun{count: e.SampleCount, offset: off})
			}
		case *amp4.Stss:
			table.hasSync = true
			table.syncSamples = p.SampleNumber
		case *amp4.AVCDecoderConfiguration:
			avcConfig = p
		case *amp4.AudioSampleEntry:
			audioEntry = p
			opusEntry = b.Info.Type == boxOpus
		case *amp4.DOps:
			opusConfig = p
		case *amp4.Esds:
			for _, d := range p.Descriptors {
				if d.Tag == amp4.DecSpecificInfoTag {
					aacConfig = d.Data
				}
			}
		}
	}

	switch {
	case avcConfig != nil:
		codec := &mp4.CodecH264{}
		if len(avcConfig.SequenceParameterSets) > 0 {
			codec.SPS = avcConfig.SequenceParameterSets[0].NALUnit
		}
		if len(avcConfig.PictureParameterSets) > 0 {
			codec.PPS = avcConfig.PictureParameterSets[0].NALUnit
		}
		track.Codec = codec

	case opusEntry:
		channels := 2
		if opusConfig != nil && opusConfig.OutputChannelCount > 0 {
			channels = int(opusConfig.OutputChannelCount)
		} else if audioEntry != nil && audioEntry.ChannelCount > 0 {
			channels = int(audioEntry.ChannelCount)
		}
		track.Codec = &mp4.CodecOpus{ChannelCount: channels}

	case aacConfig != nil:
		var conf mpeg4audio.AudioSpecificConfig
		if err := conf.Unmarshal(aacConfig); err != nil {
			return nil, fmt.Errorf("remux: aac config: %w", err)
		}
		track.Codec = &mp4.CodecMPEG4Audio{Config: conf}

	default:
		return nil, nil
	}

	if !haveOffsets {
		return nil, fmt.Errorf("remux: track %d has no chunk offsets", track.ID)
	}
	if track.TimeScale == 0 {
		return nil, fmt.Errorf("remux: track %d has no timescale", track.ID)
	}

	track.Samples, err = table.samples(content)
	if err != nil {
		return nil, fmt.Errorf("remux: track %d: %w", track.ID, err)
	}
	return &track, nil
}
