// Package config loads recording settings from defaults, an optional
// cencmux.yaml, CENCMUX_* environment variables and bound CLI flags.
package config

import (
	"strings"
	"time"

	"github.com/pion/logging"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/cryptorec/cencmux/cenc"
	"github.com/cryptorec/cencmux/codec/h264parser"
	"github.com/cryptorec/cencmux/format/mp4"
	"github.com/cryptorec/cencmux/session"
)

const (
	EnvPrefix = "CENCMUX"
	FileName  = "cencmux"
)

const (
	KeyFragmented         = "output.fragmented"
	KeyFragmentDuration   = "output.fragment_duration"
	KeyMaxInterleaveDelta = "output.max_interleave_delta"
	KeyKID                = "encryption.kid"
	KeyKey                = "encryption.key"
	KeyVideoWidth         = "video.width"
	KeyVideoHeight        = "video.height"
	KeyVideoBitrate       = "video.bitrate"
	KeyVideoFramerate     = "video.framerate"
	KeyVideoRotation      = "video.rotation"
	KeyAudioSampleRate    = "audio.sample_rate"
	KeyAudioChannels      = "audio.channels"
	KeyAudioBitrate       = "audio.bitrate"
	KeyClassifier         = "classifier"
	KeyLogLevel           = "log.level"
)

const (
	ClassifierOffset = "offset"
	ClassifierNAL    = "nal"
)

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyFragmented, false)
	v.SetDefault(KeyFragmentDuration, mp4.DefaultFragmentDuration)
	v.SetDefault(KeyMaxInterleaveDelta, mp4.DefaultMaxInterleaveDelta)
	v.SetDefault(KeyKID, cenc.DefaultKeyID.String())
	v.SetDefault(KeyKey, "")
	v.SetDefault(KeyVideoWidth, 1920)
	v.SetDefault(KeyVideoHeight, 1080)
	v.SetDefault(KeyVideoBitrate, 4000000)
	v.SetDefault(KeyVideoFramerate, 30)
	v.SetDefault(KeyVideoRotation, 0)
	v.SetDefault(KeyAudioSampleRate, 48000)
	v.SetDefault(KeyAudioChannels, 2)
	v.SetDefault(KeyAudioBitrate, 128000)
	v.SetDefault(KeyClassifier, ClassifierOffset)
	v.SetDefault(KeyLogLevel, "info")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.cencmux")
	v.AddConfigPath("/etc/cencmux")
	return v
}

// ReadFile reads the named file, or searches the config paths when file is
// empty. A missing file in the search paths is not an error.
func ReadFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && file == "" {
			return nil
		}
		return errors.Wrap(err, "config: read")
	}
	return nil
}

// Config is the resolved recording configuration.
type Config struct {
	Fragmented         bool
	FragmentDuration   time.Duration
	MaxInterleaveDelta time.Duration
	KeyID              cenc.KeyID
	Key                []byte
	Video              session.VideoDescriptor
	Audio              session.AudioDescriptor
	Classifier         string
	LogLevel           logging.LogLevel
}

// Load resolves v into a Config. An empty key is allowed here; callers that
// record must check it.
func Load(v *viper.Viper) (*Config, error) {
	self := &Config{
		Fragmented:         v.GetBool(KeyFragmented),
		FragmentDuration:   v.GetDuration(KeyFragmentDuration),
		MaxInterleaveDelta: v.GetDuration(KeyMaxInterleaveDelta),
		Video: session.VideoDescriptor{
			Width:     v.GetInt(KeyVideoWidth),
			Height:    v.GetInt(KeyVideoHeight),
			Bitrate:   v.GetInt(KeyVideoBitrate),
			Framerate: v.GetInt(KeyVideoFramerate),
			Rotation:  v.GetInt(KeyVideoRotation),
		},
		Audio: session.AudioDescriptor{
			Bitrate:      v.GetInt(KeyAudioBitrate),
			SampleRate:   v.GetInt(KeyAudioSampleRate),
			ChannelCount: v.GetInt(KeyAudioChannels),
		},
		Classifier: strings.ToLower(v.GetString(KeyClassifier)),
	}
	var err error
	if self.KeyID, err = cenc.ParseKeyID(v.GetString(KeyKID)); err != nil {
		return nil, errors.Wrap(err, "config: "+KeyKID)
	}
	if s := v.GetString(KeyKey); s != "" {
		if self.Key, err = cenc.ParseKey(s); err != nil {
			return nil, errors.Wrap(err, "config: "+KeyKey)
		}
	}
	if _, err = self.classifier(); err != nil {
		return nil, err
	}
	if self.LogLevel, err = ParseLogLevel(v.GetString(KeyLogLevel)); err != nil {
		return nil, err
	}
	return self, nil
}

func (self *Config) classifier() (h264parser.Classifier, error) {
	switch self.Classifier {
	case ClassifierOffset, "":
		return h264parser.IsKeyFrameAtOffset, nil
	case ClassifierNAL:
		return h264parser.IsKeyFrameNAL, nil
	}
	return nil, errors.Errorf("config: unknown classifier %q", self.Classifier)
}

// SessionOptions translates the configuration into session options.
func (self *Config) SessionOptions(lf logging.LoggerFactory) []session.Option {
	classify, _ := self.classifier()
	opts := []session.Option{
		session.WithKeyID(self.KeyID),
		session.WithClassifier(classify),
		session.WithMaxInterleaveDelta(self.MaxInterleaveDelta),
		session.WithLoggerFactory(lf),
	}
	if self.Fragmented {
		opts = append(opts, session.WithFragmented(self.FragmentDuration))
	}
	return opts
}

// ParseLogLevel maps a level name onto pion's levels.
func ParseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info", "":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, errors.Errorf("config: unknown log level %q", s)
}
