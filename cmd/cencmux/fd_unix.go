//go:build unix

package main

import (
	"os"
	"syscall"
)

// dupFD hands out a descriptor the session may close on its own.
func dupFD(f *os.File) (int, error) {
	return syscall.Dup(int(f.Fd()))
}
