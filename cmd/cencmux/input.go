package main

import (
	"io"

	"github.com/pion/webrtc/v3/pkg/media/h264reader"
	"github.com/pkg/errors"

	"github.com/cryptorec/cencmux/codec/aacparser"
	"github.com/cryptorec/cencmux/codec/h264parser"
)

var startCode = []byte{0, 0, 0, 1}

// accessUnit is one coded picture. Parameter sets seen ahead of it are kept
// apart so they can be submitted as a codec-config buffer, the way a
// hardware encoder emits them.
type accessUnit struct {
	params [][]byte
	nalus  [][]byte
}

func (self accessUnit) config() []byte {
	return annexB(self.params)
}

func (self accessUnit) frame() []byte {
	return annexB(self.nalus)
}

// readAccessUnits groups the NAL units of an Annex-B stream into access
// units. A new unit starts at an access unit delimiter, a parameter set or a
// slice with first_mb_in_slice == 0 once the current unit holds a slice.
// Other NAL types are dropped.
func readAccessUnits(r io.Reader) ([]accessUnit, error) {
	reader, err := h264reader.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "h264")
	}
	var (
		aus      []accessUnit
		cur      accessUnit
		hasSlice bool
	)
	flush := func() {
		if hasSlice {
			aus = append(aus, cur)
			cur = accessUnit{}
			hasSlice = false
		}
	}
	for {
		nal, err := reader.NextNAL()
		if err == io.EOF || (err == nil && nal == nil) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "h264: access unit %d", len(aus))
		}
		switch nal.UnitType {
		case h264reader.NalUnitTypeAUD:
			flush()
		case h264reader.NalUnitTypeSPS, h264reader.NalUnitTypePPS:
			flush()
			cur.params = append(cur.params, nal.Data)
		case h264reader.NalUnitTypeCodedSliceNonIdr, h264reader.NalUnitTypeCodedSliceIdr:
			if hasSlice && firstMBZero(nal.Data) {
				flush()
			}
			cur.nalus = append(cur.nalus, nal.Data)
			hasSlice = true
		case h264reader.NalUnitTypeCodedSliceDataPartitionA,
			h264reader.NalUnitTypeCodedSliceDataPartitionB,
			h264reader.NalUnitTypeCodedSliceDataPartitionC:
			if hasSlice {
				cur.nalus = append(cur.nalus, nal.Data)
			}
		}
	}
	flush()
	return aus, nil
}

// firstMBZero reports whether the slice header starts with first_mb_in_slice
// equal to 0, which is the single-bit Exp-Golomb code '1'.
func firstMBZero(nalu []byte) bool {
	return len(nalu) > 1 && nalu[1]&0x80 != 0
}

func annexB(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += len(startCode) + len(nalu)
	}
	b := make([]byte, 0, n)
	for _, nalu := range nalus {
		b = append(b, startCode...)
		b = append(b, nalu...)
	}
	return b
}

// streamSize returns the picture size coded in the first SPS of aus.
func streamSize(aus []accessUnit) (width, height int, ok bool) {
	for _, au := range aus {
		var sps, pps []byte
		for _, p := range au.params {
			switch h264parser.NALUType(p) {
			case h264parser.NALU_SPS:
				sps = p
			case h264parser.NALU_PPS:
				pps = p
			}
		}
		if sps == nil {
			continue
		}
		cd := h264parser.NewCodecData(0, 0, 0, 0, 0)
		if err := cd.SetParamSets(sps, pps); err != nil {
			return 0, 0, false
		}
		return cd.SPSSize()
	}
	return 0, 0, false
}

// splitADTS cuts a raw ADTS stream into frames, headers included.
func splitADTS(data []byte) ([][]byte, error) {
	var frames [][]byte
	for off := 0; off < len(data); {
		n, err := aacparser.ADTSFrameLength(data[off:])
		if err != nil {
			return nil, errors.Wrapf(err, "adts: frame %d at %d", len(frames), off)
		}
		if off+n > len(data) {
			return nil, errors.Errorf("adts: frame %d truncated at %d", len(frames), off)
		}
		frames = append(frames, data[off:off+n])
		off += n
	}
	return frames, nil
}
