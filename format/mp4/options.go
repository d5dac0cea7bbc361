package mp4

import (
	"time"

	"github.com/pion/logging"

	"github.com/cryptorec/cencmux/cenc"
)

type Flags uint32

const (
	// FlagNoTimestamps writes zero creation and modification times.
	FlagNoTimestamps Flags = 1 << iota
	// FlagSeekToPTS writes edit lists that align each track on presentation
	// time and, for fragmented output, an mfra random access index.
	FlagSeekToPTS
)

const (
	DefaultFragmentDuration   = 2 * time.Second
	DefaultMaxInterleaveDelta = 10 * time.Second
	// MovieTimescale is the mvhd timescale. Track timescales come from the stream time bases.
	MovieTimescale = 1000
)

// EncryptionOptions are applied when the header is written.
type EncryptionOptions struct {
	Scheme      string
	Key         []byte
	KeyID       cenc.KeyID
	VideoPolicy cenc.Policy
	AudioPolicy cenc.Policy
}

type Options struct {
	Flags      Flags
	Fragmented bool
	// FragmentDuration is the minimum fragment length. Fragments are cut on video sync samples.
	FragmentDuration time.Duration
	// MaxInterleaveDelta bounds how far the interleaving queue may run ahead of a silent stream.
	MaxInterleaveDelta time.Duration
	// Encryption is nil for clear output.
	Encryption    *EncryptionOptions
	LoggerFactory logging.LoggerFactory
	// Now stamps creation times unless FlagNoTimestamps is set.
	Now func() time.Time
}

func (self *Options) setDefaults() {
	if self.FragmentDuration <= 0 {
		self.FragmentDuration = DefaultFragmentDuration
	}
	if self.MaxInterleaveDelta <= 0 {
		self.MaxInterleaveDelta = DefaultMaxInterleaveDelta
	}
	if self.LoggerFactory == nil {
		self.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if self.Now == nil {
		self.Now = time.Now
	}
}
