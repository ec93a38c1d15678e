//go:build windows

package cmds

import (
	"io"
	"os"
)

func openTTY() (io.ReadWriteCloser, error) {
	return os.OpenFile("CONIN$", os.O_RDWR, 0)
}
