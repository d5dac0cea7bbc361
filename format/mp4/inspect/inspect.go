// Package inspect reads back the track layout of an MP4 file. On top of the
// go-mp4 track summary it adds the AVC configuration behind an encv sample
// entry, and sample counts summed over every traf of every moof.
package inspect

import (
	"io"

	gomp4 "github.com/abema/go-mp4"
	"github.com/pkg/errors"
)

const (
	tfhdDefaultSampleDuration = 0x000008
	trunSampleDuration        = 0x000100
)

// Track is one track with its totals over the sample tables and all fragments.
type Track struct {
	*gomp4.Track
	SampleCount   int
	MediaDuration uint64
}

type Report struct {
	Info      *gomp4.ProbeInfo
	Tracks    []*Track
	Fragments int
}

func Inspect(r io.ReadSeeker) (*Report, error) {
	info, err := gomp4.Probe(r)
	if err != nil {
		return nil, errors.Wrap(err, "inspect: read")
	}
	configs, err := protectedVideoConfigs(r)
	if err != nil {
		return nil, err
	}
	totals, err := fragmentTotals(r)
	if err != nil {
		return nil, err
	}
	rep := &Report{Info: info, Fragments: len(info.Segments)}
	for _, tr := range info.Tracks {
		if tr.AVC == nil {
			tr.AVC = configs[tr.TrackID]
		}
		t := &Track{Track: tr, SampleCount: len(tr.Samples), MediaDuration: tr.Duration}
		if tot, ok := totals[tr.TrackID]; ok {
			t.SampleCount += tot.samples
			t.MediaDuration += tot.duration
		}
		rep.Tracks = append(rep.Tracks, t)
	}
	return rep, nil
}

// Track returns the track with the given ID, or nil.
func (self *Report) Track(id uint32) *Track {
	for _, t := range self.Tracks {
		if t.TrackID == id {
			return t
		}
	}
	return nil
}

// protectedVideoConfigs reads stsd/encv and its avcC for every track that has them.
func protectedVideoConfigs(r io.ReadSeeker) (map[uint32]*gomp4.AVCDecConfigInfo, error) {
	traks, err := gomp4.ExtractBox(r, nil, gomp4.BoxPath{gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak()})
	if err != nil {
		return nil, errors.Wrap(err, "inspect: trak")
	}
	stsd := gomp4.BoxPath{gomp4.BoxTypeMdia(), gomp4.BoxTypeMinf(), gomp4.BoxTypeStbl(), gomp4.BoxTypeStsd()}
	encvPath := append(append(gomp4.BoxPath{}, stsd...), gomp4.BoxTypeEncv())
	avcCPath := append(append(gomp4.BoxPath{}, encvPath...), gomp4.BoxTypeAvcC())

	configs := make(map[uint32]*gomp4.AVCDecConfigInfo)
	for _, trak := range traks {
		bips, err := gomp4.ExtractBoxesWithPayload(r, trak, []gomp4.BoxPath{
			{gomp4.BoxTypeTkhd()},
			encvPath,
			avcCPath,
		})
		if err != nil {
			return nil, errors.Wrap(err, "inspect: sample entry")
		}
		var (
			tkhd *gomp4.Tkhd
			encv *gomp4.VisualSampleEntry
			avcC *gomp4.AVCDecoderConfiguration
		)
		for _, bip := range bips {
			switch p := bip.Payload.(type) {
			case *gomp4.Tkhd:
				tkhd = p
			case *gomp4.VisualSampleEntry:
				encv = p
			case *gomp4.AVCDecoderConfiguration:
				avcC = p
			}
		}
		if tkhd == nil || encv == nil || avcC == nil {
			continue
		}
		configs[tkhd.TrackID] = &gomp4.AVCDecConfigInfo{
			ConfigurationVersion: avcC.ConfigurationVersion,
			Profile:              avcC.Profile,
			ProfileCompatibility: avcC.ProfileCompatibility,
			Level:                avcC.Level,
			LengthSize:           uint16(avcC.LengthSizeMinusOne) + 1,
			Width:                encv.Width,
			Height:               encv.Height,
		}
	}
	return configs, nil
}

type fragmentTotal struct {
	samples  int
	duration uint64
}

// fragmentTotals sums trun sample counts and durations per tfhd track ID.
func fragmentTotals(r io.ReadSeeker) (map[uint32]*fragmentTotal, error) {
	trexes, err := gomp4.ExtractBoxWithPayload(r, nil, gomp4.BoxPath{gomp4.BoxTypeMoov(), gomp4.BoxTypeMvex(), gomp4.BoxTypeTrex()})
	if err != nil {
		return nil, errors.Wrap(err, "inspect: trex")
	}
	defaults := make(map[uint32]uint32)
	for _, bip := range trexes {
		trex := bip.Payload.(*gomp4.Trex)
		defaults[trex.TrackID] = trex.DefaultSampleDuration
	}

	trafs, err := gomp4.ExtractBox(r, nil, gomp4.BoxPath{gomp4.BoxTypeMoof(), gomp4.BoxTypeTraf()})
	if err != nil {
		return nil, errors.Wrap(err, "inspect: traf")
	}
	totals := make(map[uint32]*fragmentTotal)
	for _, traf := range trafs {
		bips, err := gomp4.ExtractBoxesWithPayload(r, traf, []gomp4.BoxPath{
			{gomp4.BoxTypeTfhd()},
			{gomp4.BoxTypeTrun()},
		})
		if err != nil {
			return nil, errors.Wrap(err, "inspect: traf")
		}
		var tfhd *gomp4.Tfhd
		var truns []*gomp4.Trun
		for _, bip := range bips {
			switch p := bip.Payload.(type) {
			case *gomp4.Tfhd:
				tfhd = p
			case *gomp4.Trun:
				truns = append(truns, p)
			}
		}
		if tfhd == nil {
			return nil, errors.Errorf("inspect: traf at %d has no tfhd", traf.Offset)
		}
		def := defaults[tfhd.TrackID]
		if tfhd.CheckFlag(tfhdDefaultSampleDuration) {
			def = tfhd.DefaultSampleDuration
		}
		tot := totals[tfhd.TrackID]
		if tot == nil {
			tot = &fragmentTotal{}
			totals[tfhd.TrackID] = tot
		}
		for _, trun := range truns {
			tot.samples += int(trun.SampleCount)
			if !trun.CheckFlag(trunSampleDuration) {
				tot.duration += uint64(def) * uint64(trun.SampleCount)
				continue
			}
			for _, e := range trun.Entries {
				tot.duration += uint64(e.SampleDuration)
			}
		}
	}
	return totals, nil
}
