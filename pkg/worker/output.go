package worker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SuppressOutput points the process's stdin, stdout and stderr at the null
// device, so that nothing a backend or hook prints reaches the dispatcher's
// output pipes.
func SuppressOutput() error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer func() { _ = devNull.Close() }()

	for _, fd := range []int{0, 1, 2} {
		if err := unix.Dup2(int(devNull.Fd()), fd); err != nil {
			return fmt.Errorf("redirect fd %d: %w", fd, err)
		}
	}
	return nil
}
