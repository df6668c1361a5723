package remux

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
)

var errSampleTable = errors.New("inconsistent sample table")

type sttsRun struct {
	count uint32
	delta uint32
}

type stscRun struct {
	firstChunk      uint32
	samplesPerChunk uint32
}

type cttsRun struct {
	count  uint32
	offset int32
}

// sampleTable is the flattened content of a trak's stbl box.
type sampleTable struct {
	sizes        []uint32
	chunkOffsets []uint64
	chunks       []stscRun
	durations    []sttsRun
	ptsOffsets   []cttsRun
	hasSync      bool
	syncSamples  []uint32 // 1-based
}

func expandSizes(constant, count uint32, entries []uint32) []uint32 {
	if constant == 0 {
		return entries
	}
	sizes := make([]uint32, count)
	for i := range sizes {
		sizes[i] = constant
	}
	return sizes
}

// samples resolves the table against content into fragment samples.
func (t *sampleTable) samples(content []byte) ([]*fmp4.Sample, error) {
	n := len(t.sizes)
	out := make([]*fmp4.Sample, 0, n)

	var sync map[uint32]struct{}
	if t.hasSync {
		sync = make(map[uint32]struct{}, len(t.syncSamples))
		for _, s := range t.syncSamples {
			sync[s] = struct{}{}
		}
	}

	durations := newRunCursor(len(t.durations), func(i int) uint32 { return t.durations[i].count })
	offsets := newRunCursor(len(t.ptsOffsets), func(i int) uint32 { return t.ptsOffsets[i].count })

	idx := 0
	for c := range t.chunkOffsets {
		perChunk := t.samplesPerChunk(uint32(c + 1))
		pos := t.chunkOffsets[c]
		for k := uint32(0); k < perChunk && idx < n; k++ {
			size := uint64(t.sizes[idx])
			if pos+size > uint64(len(content)) {
				return nil, fmt.Errorf("%w: sample %d at %d+%d exceeds %d bytes", errSampleTable, idx+1, pos, size, len(content))
			}

			s := &fmp4.Sample{Payload: content[pos : pos+size]}
			if i, ok := durations.next(); ok {
				s.Duration = t.durations[i].delta
			}
			if i, ok := offsets.next(); ok {
				s.PTSOffset = t.ptsOffsets[i].offset
			}
			if sync != nil {
				_, isSync := sync[uint32(idx+1)]
				s.IsNonSyncSample = !isSync
			}

			out = append(out, s)
			pos += size
			idx++
		}
	}

	if idx != n {
		return nil, fmt.Errorf("%w: chunks hold %d of %d samples", errSampleTable, idx, n)
	}
	return out, nil
}

// samplesPerChunk returns the stsc value that applies to the 1-based chunk.
func (t *sampleTable) samplesPerChunk(chunk uint32) uint32 {
	var v uint32
	for _, run := range t.chunks {
		if run.firstChunk > chunk {
			break
		}
		v = run.samplesPerChunk
	}
	return v
}

// runCursor walks run-length encoded tables (stts, ctts) one sample at a time.
type runCursor struct {
	runs  int
	count func(int) uint32
	run   int
	used  uint32
}

func newRunCursor(runs int, count func(int) uint32) *runCursor {
	return &runCursor{runs: runs, count: count}
}

func (c *runCursor) next() (int, bool) {
	for c.run < c.runs && c.used >= c.count(c.run) {
		c.run++
		c.used = 0
	}
	if c.run >= c.runs {
		return 0, false
	}
	c.used++
	return c.run, true
}
