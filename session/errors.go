package session

import (
	"github.com/pkg/errors"
)

var (
	ErrResourceBinding   = errors.New("session: cannot bind output resource")
	ErrAlreadyRunning    = errors.New("session: already running")
	ErrNotRunning        = errors.New("session: not running")
	ErrHeaderWrite       = errors.New("session: header write failed")
	ErrPacketWrite       = errors.New("session: packet write failed")
	ErrInvalidDescriptor = errors.New("session: invalid stream descriptor")
	ErrInvalidKey        = errors.New("session: invalid key")
)
