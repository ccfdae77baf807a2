//go:build unix && !linux

package capture

import "golang.org/x/sys/unix"

const ioctlGetTermios = unix.TIOCGETA
