//go:build !unix && !windows

package jit

import "errors"

var errNoExecutableMemory = errors.New("jit: executable memory not supported on this platform")

func allocExecutable(size int) ([]byte, error) { return nil, errNoExecutableMemory }

func protectExecutable(mem []byte) error { return errNoExecutableMemory }

func freeExecutable(mem []byte) error { return nil }
