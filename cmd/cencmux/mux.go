package main

import (
	"bufio"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cryptorec/cencmux/binding"
	"github.com/cryptorec/cencmux/codec/aacparser"
	"github.com/cryptorec/cencmux/config"
	"github.com/cryptorec/cencmux/session"
)

type MuxOptions struct {
	VideoFile   string
	AudioFile   string
	Output      string
	SizeFromSPS bool
}

func NewMuxCommand() *cobra.Command {
	opts := &MuxOptions{}

	cmd := &cobra.Command{
		Use:   "mux",
		Short: "Record an H.264 (and optional AAC) elementary stream into an encrypted MP4",
		Long: `Read an Annex-B H.264 file and an optional ADTS AAC file, and feed them
through an encrypted recording session frame by frame, as a capture pipeline
would. Frames are timestamped from the configured frame rate and sample rate.`,
		Example: `  cencmux keygen > cencmux.yaml
  cencmux mux -i camera.h264 -a mic.aac -o out.mp4
  cencmux mux -i camera.h264 -o out.mp4 --key 00112233445566778899aabbccddeeff --fragmented`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMux(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.VideoFile, "video", "i", "", "Annex-B H.264 input file")
	flags.StringVarP(&opts.AudioFile, "audio", "a", "", "ADTS AAC input file")
	flags.StringVarP(&opts.Output, "output", "o", "", "Output MP4 file")
	flags.BoolVar(&opts.SizeFromSPS, "size-from-sps", true, "Take the picture size from the stream's SPS")
	_ = cmd.MarkFlagRequired("video")
	_ = cmd.MarkFlagRequired("output")

	flags.String("key", v.GetString(config.KeyKey), "Content key, 32 hex digits")
	flags.String("kid", v.GetString(config.KeyKID), "Key ID, 32 hex digits or UUID form")
	flags.Bool("fragmented", v.GetBool(config.KeyFragmented), "Write fragmented MP4")
	flags.Duration("fragment-duration", v.GetDuration(config.KeyFragmentDuration), "Target fragment duration")
	flags.Duration("max-interleave-delta", v.GetDuration(config.KeyMaxInterleaveDelta), "Largest timestamp gap buffered for interleaving")
	flags.Int("width", v.GetInt(config.KeyVideoWidth), "Video width")
	flags.Int("height", v.GetInt(config.KeyVideoHeight), "Video height")
	flags.Int("video-bitrate", v.GetInt(config.KeyVideoBitrate), "Video bitrate in bits/s")
	flags.Int("framerate", v.GetInt(config.KeyVideoFramerate), "Video frame rate")
	flags.Int("rotation", v.GetInt(config.KeyVideoRotation), "Display rotation in degrees")
	flags.Int("sample-rate", v.GetInt(config.KeyAudioSampleRate), "Audio sample rate in Hz")
	flags.Int("channels", v.GetInt(config.KeyAudioChannels), "Audio channel count")
	flags.Int("audio-bitrate", v.GetInt(config.KeyAudioBitrate), "Audio bitrate in bits/s")
	flags.String("classifier", v.GetString(config.KeyClassifier), "Key frame detection (offset or nal)")

	for key, name := range map[string]string{
		config.KeyKey:                "key",
		config.KeyKID:                "kid",
		config.KeyFragmented:         "fragmented",
		config.KeyFragmentDuration:   "fragment-duration",
		config.KeyMaxInterleaveDelta: "max-interleave-delta",
		config.KeyVideoWidth:         "width",
		config.KeyVideoHeight:        "height",
		config.KeyVideoBitrate:       "video-bitrate",
		config.KeyVideoFramerate:     "framerate",
		config.KeyVideoRotation:      "rotation",
		config.KeyAudioSampleRate:    "sample-rate",
		config.KeyAudioChannels:      "channels",
		config.KeyAudioBitrate:       "audio-bitrate",
		config.KeyClassifier:         "classifier",
	} {
		bindFlag(v, key, flags.Lookup(name))
	}

	cmd.RegisterFlagCompletionFunc("classifier", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{config.ClassifierOffset, config.ClassifierNAL}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runMux(opts *MuxOptions) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if len(cfg.Key) == 0 {
		return errors.New("an encryption key is required (--key, encryption.key or CENCMUX_ENCRYPTION_KEY)")
	}
	lf := defaultLoggerFactory(cfg.LogLevel)
	log := lf.Entry()

	aus, audio, err := readInputs(opts)
	if err != nil {
		return err
	}
	video := cfg.Video
	if opts.SizeFromSPS {
		if w, h, ok := streamSize(aus); ok {
			video.Width, video.Height = w, h
		}
	}

	out, err := os.Create(opts.Output)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	defer out.Close()
	fd, err := dupFD(out)
	if err != nil {
		return errors.Wrap(err, "output descriptor")
	}

	shim := binding.NewShim(session.New(cfg.SessionOptions(lf)...), binding.WithLoggerFactory(lf))
	status := shim.Init(fd,
		binding.VideoParams{
			Width:     video.Width,
			Height:    video.Height,
			Bitrate:   video.Bitrate,
			Framerate: video.Framerate,
			Rotation:  video.Rotation,
		},
		binding.AudioParams{
			Bitrate:      cfg.Audio.Bitrate,
			SampleRate:   cfg.Audio.SampleRate,
			ChannelCount: cfg.Audio.ChannelCount,
		},
		cfg.Key)
	if status != binding.StatusOK {
		return errors.Errorf("init recording session for %s", opts.Output)
	}

	fed := feed(shim, aus, audio, video.Framerate, cfg.Audio.SampleRate)
	shim.Close()

	log.WithFields(logrus.Fields{
		"output":       opts.Output,
		"video_frames": fed.video,
		"audio_frames": fed.audio,
		"failed":       fed.failed,
		"duration":     fed.duration,
	}).Info("recording written")
	if fed.failed > 0 {
		return errors.Errorf("%d frames were rejected", fed.failed)
	}
	return nil
}

func readInputs(opts *MuxOptions) ([]accessUnit, [][]byte, error) {
	vf, err := os.Open(opts.VideoFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open video")
	}
	defer vf.Close()
	aus, err := readAccessUnits(bufio.NewReader(vf))
	if err != nil {
		return nil, nil, err
	}
	if len(aus) == 0 {
		return nil, nil, errors.Errorf("%s: no coded pictures", opts.VideoFile)
	}
	if opts.AudioFile == "" {
		return aus, nil, nil
	}
	data, err := os.ReadFile(opts.AudioFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read audio")
	}
	audio, err := splitADTS(data)
	if err != nil {
		return nil, nil, errors.Wrap(err, opts.AudioFile)
	}
	return aus, audio, nil
}

type feedStats struct {
	video, audio, failed int
	duration             time.Duration
}

// frameWriter is the part of the binding surface feed drives.
type frameWriter interface {
	WriteVideoFrame(data []byte, size int, pts int64) int
	WriteAudioFrame(data []byte, size int, pts int64) int
}

// feed submits video and audio in presentation order, video first on ties.
// Timestamps are in microseconds.
func feed(w frameWriter, aus []accessUnit, audio [][]byte, framerate, sampleRate int) feedStats {
	var st feedStats
	videoPTS := func(i int) int64 { return int64(i) * 1000000 / int64(framerate) }
	audioPTS := func(i int) int64 {
		return int64(i) * aacparser.SamplesPerFrame * 1000000 / int64(sampleRate)
	}
	check := func(status int) {
		if status != binding.StatusOK {
			st.failed++
		}
	}
	i, j := 0, 0
	for i < len(aus) || j < len(audio) {
		if i < len(aus) && (j >= len(audio) || videoPTS(i) <= audioPTS(j)) {
			pts := videoPTS(i)
			if len(aus[i].params) > 0 {
				params := aus[i].config()
				check(w.WriteVideoFrame(params, len(params), pts))
			}
			frame := aus[i].frame()
			check(w.WriteVideoFrame(frame, len(frame), pts))
			st.video++
			i++
			continue
		}
		check(w.WriteAudioFrame(audio[j], len(audio[j]), audioPTS(j)))
		st.audio++
		j++
	}
	if len(aus) > 0 {
		st.duration = time.Duration(videoPTS(len(aus))) * time.Microsecond
	}
	return st
}
