package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	gomp4 "github.com/abema/go-mp4"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cryptorec/cencmux/format/mp4/inspect"
)

type ProbeOptions struct {
	OutputFormat string
}

func NewProbeCommand() *cobra.Command {
	opts := &ProbeOptions{}

	cmd := &cobra.Command{
		Use:   "probe FILE",
		Short: "Describe the tracks of an MP4 file",
		Args:  cobra.ExactArgs(1),
		Example: `  cencmux probe out.mp4
  cencmux probe out.mp4 --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.OutputFormat, "output", "o", "yaml", "Output format (yaml or json)")
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"yaml", "json"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runProbe(w io.Writer, path string, opts *ProbeOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer f.Close()
	rep, err := buildReport(f)
	if err != nil {
		return errors.Wrap(err, path)
	}
	switch opts.OutputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(rep)
	}
	return errors.Errorf("unknown output format %q", opts.OutputFormat)
}

type report struct {
	MajorBrand      string   `json:"major_brand" yaml:"major_brand"`
	Brands          []string `json:"compatible_brands" yaml:"compatible_brands"`
	FastStart       bool     `json:"fast_start" yaml:"fast_start"`
	Fragments       int      `json:"fragments,omitempty" yaml:"fragments,omitempty"`
	DurationSeconds float64  `json:"duration_seconds" yaml:"duration_seconds"`
	Tracks          []*track `json:"tracks" yaml:"tracks"`
}

type track struct {
	TrackID         uint32  `json:"track_id" yaml:"track_id"`
	Codec           string  `json:"codec" yaml:"codec"`
	Encrypted       bool    `json:"encrypted" yaml:"encrypted"`
	Timescale       uint32  `json:"timescale" yaml:"timescale"`
	Samples         int     `json:"samples" yaml:"samples"`
	DurationSeconds float64 `json:"duration_seconds" yaml:"duration_seconds"`
	Width           uint16  `json:"width,omitempty" yaml:"width,omitempty"`
	Height          uint16  `json:"height,omitempty" yaml:"height,omitempty"`
	Channels        uint16  `json:"channels,omitempty" yaml:"channels,omitempty"`
}

func buildReport(r io.ReadSeeker) (*report, error) {
	ins, err := inspect.Inspect(r)
	if err != nil {
		return nil, err
	}
	info := ins.Info
	rep := &report{
		MajorBrand: string(info.MajorBrand[:]),
		FastStart:  info.FastStart,
		Fragments:  ins.Fragments,
		Tracks:     make([]*track, 0, len(ins.Tracks)),
	}
	if info.Timescale != 0 {
		rep.DurationSeconds = float64(info.Duration) / float64(info.Timescale)
	}
	for _, brand := range info.CompatibleBrands {
		rep.Brands = append(rep.Brands, string(brand[:]))
	}
	for _, tr := range ins.Tracks {
		t := &track{
			TrackID:   tr.TrackID,
			Codec:     codecName(tr.Track),
			Encrypted: tr.Encrypted,
			Timescale: tr.Timescale,
			Samples:   tr.SampleCount,
		}
		if tr.Timescale != 0 {
			t.DurationSeconds = float64(tr.MediaDuration) / float64(tr.Timescale)
		}
		if tr.AVC != nil {
			t.Width, t.Height = tr.AVC.Width, tr.AVC.Height
		}
		if tr.MP4A != nil {
			t.Channels = tr.MP4A.ChannelCount
		}
		rep.Tracks = append(rep.Tracks, t)
	}
	return rep, nil
}

func codecName(tr *gomp4.Track) string {
	switch tr.Codec {
	case gomp4.CodecAVC1:
		if tr.AVC == nil {
			return "avc1"
		}
		return fmt.Sprintf("avc1.%02X%02X%02X", tr.AVC.Profile, tr.AVC.ProfileCompatibility, tr.AVC.Level)
	case gomp4.CodecMP4A:
		switch {
		case tr.MP4A == nil || tr.MP4A.OTI == 0:
			return "mp4a"
		case tr.MP4A.AudOTI == 0:
			return fmt.Sprintf("mp4a.%X", tr.MP4A.OTI)
		}
		return fmt.Sprintf("mp4a.%X.%d", tr.MP4A.OTI, tr.MP4A.AudOTI)
	}
	return "unknown"
}
