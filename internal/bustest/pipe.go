package bustest

import (
	"errors"
	"os"
	"syscall"
)

// ignoreBrokenPipe treats a reader that went away as a finished write; a
// cancelled utterance closes its end early.
func ignoreBrokenPipe(err error) error {
	if err == nil || errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
