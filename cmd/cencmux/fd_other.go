//go:build !unix

package main

import (
	"os"

	"github.com/pkg/errors"
)

func dupFD(f *os.File) (int, error) {
	return -1, errors.New("descriptor duplication is not supported on this platform")
}
