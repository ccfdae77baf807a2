package capture

import (
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// endpoint is one side of a pipe or pty. file is set when the descriptor is owned by an
// *os.File, which must then be the one to close it.
type endpoint struct {
	fd   int
	file *os.File
}

func (e *endpoint) close() error {
	if e.file != nil {
		return e.file.Close()
	}
	return unix.Close(e.fd)
}

func openPipe() (reader, writer *endpoint, err error) {
	r, w, err := pipeCloexec()
	if err != nil {
		return nil, nil, err
	}
	return &endpoint{fd: r}, &endpoint{fd: w}, nil
}

// openPTY returns the master as reader and the terminal as writer. The terminal is put
// into raw mode so "\n" is not turned into "\r\n".
func openPTY() (reader, writer *endpoint, err error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, nil, err
	}
	ttyFD := int(tty.Fd())
	if _, err := term.MakeRaw(ttyFD); err != nil {
		_ = tty.Close()
		_ = ptmx.Close()
		return nil, nil, err
	}
	return &endpoint{fd: int(ptmx.Fd()), file: ptmx}, &endpoint{fd: ttyFD, file: tty}, nil
}
