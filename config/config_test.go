package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptorec/cencmux/cenc"
	"github.com/cryptorec/cencmux/session"
)

func TestDefaults(t *testing.T) {
	c, err := Load(New())
	require.NoError(t, err)
	assert.False(t, c.Fragmented)
	assert.Equal(t, 2*time.Second, c.FragmentDuration)
	assert.Equal(t, 10*time.Second, c.MaxInterleaveDelta)
	assert.Equal(t, cenc.DefaultKeyID, c.KeyID)
	assert.Nil(t, c.Key)
	assert.Equal(t, session.VideoDescriptor{Width: 1920, Height: 1080, Bitrate: 4000000, Framerate: 30}, c.Video)
	assert.Equal(t, session.AudioDescriptor{Bitrate: 128000, SampleRate: 48000, ChannelCount: 2}, c.Audio)
	assert.Equal(t, ClassifierOffset, c.Classifier)
	assert.Equal(t, logging.LogLevelInfo, c.LogLevel)
	assert.Len(t, c.SessionOptions(logging.NewDefaultLoggerFactory()), 4)
}

func TestFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cencmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
output:
  fragmented: true
  fragment_duration: 4s
encryption:
  kid: 00112233-4455-6677-8899-aabbccddeeff
  key: 000102030405060708090a0b0c0d0e0f
video:
  width: 1280
  height: 720
  rotation: 270
classifier: nal
log:
  level: debug
`), 0o644))
	t.Setenv("CENCMUX_AUDIO_SAMPLE_RATE", "44100")

	v := New()
	require.NoError(t, ReadFile(v, path))
	c, err := Load(v)
	require.NoError(t, err)
	assert.True(t, c.Fragmented)
	assert.Equal(t, 4*time.Second, c.FragmentDuration)
	assert.Equal(t, "00112233445566778899aabbccddeeff", c.KeyID.String())
	assert.Len(t, c.Key, 16)
	assert.Equal(t, 1280, c.Video.Width)
	assert.Equal(t, 270, c.Video.Rotation)
	assert.Equal(t, 44100, c.Audio.SampleRate)
	assert.Equal(t, ClassifierNAL, c.Classifier)
	assert.Equal(t, logging.LogLevelDebug, c.LogLevel)
	assert.Len(t, c.SessionOptions(nil), 5)
}

func TestReadFileMissing(t *testing.T) {
	v := New()
	assert.Error(t, ReadFile(v, filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLoadErrors(t *testing.T) {
	values := []struct {
		Key   string
		Value string
	}{
		{KeyKID, "not-a-kid"},
		{KeyKey, "abcd"},
		{KeyClassifier, "magic"},
		{KeyLogLevel, "loud"},
	}
	for _, ex := range values {
		v := New()
		v.Set(ex.Key, ex.Value)
		_, err := Load(v)
		assert.Error(t, err, ex.Key)
	}
}
