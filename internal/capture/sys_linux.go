package capture

import "golang.org/x/sys/unix"

// dup2 is Dup3 without flags: not every Linux architecture has the dup2 syscall.
func dup2(oldfd, newfd int) error {
	return unix.Dup3(oldfd, newfd, 0)
}

func pipeCloexec() (r, w int, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return p[0], p[1], nil
}

func dupCloexec(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}
