//go:build !linux

package iface

import (
	"fmt"
	"runtime"
)

// Open is only implemented for Linux AF_PACKET sockets.
func Open(device string) (Interface, error) {
	return nil, fmt.Errorf("raw packet interface not supported on %s", runtime.GOOS)
}
