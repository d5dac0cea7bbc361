package mp4

import (
	"github.com/pkg/errors"
)

var (
	ErrHeaderNotWritten  = errors.New("mp4: header not written")
	ErrHeaderWritten     = errors.New("mp4: header already written")
	ErrTrailerWritten    = errors.New("mp4: trailer already written")
	ErrInvalidStream     = errors.New("mp4: invalid stream index")
	ErrUnsupportedCodec  = errors.New("mp4: unsupported codec")
	ErrNonMonotonicDTS   = errors.New("mp4: non monotonically increasing dts")
	ErrMissingTimestamp  = errors.New("mp4: packet has no pts")
	ErrNoStreams         = errors.New("mp4: no streams")
	ErrInvalidTimeBase   = errors.New("mp4: invalid time base")
	ErrTimestampOverflow = errors.New("mp4: sample duration overflows 32 bits")
)
