//go:build !windows

package recorder

import (
	"github.com/google/renameio/v2"
)

// output is a file that only appears at its path once committed.
type output interface {
	Write(p []byte) (int, error)
	Commit() error
	Discard()
}

type pendingOutput struct {
	*renameio.PendingFile
}

func newOutput(path string) (output, error) {
	f, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, err
	}
	return pendingOutput{f}, nil
}

// Commit fsyncs and renames the file into place.
func (o pendingOutput) Commit() error {
	return o.CloseAtomicallyReplace()
}

// Discard removes the temporary file unless it was committed.
func (o pendingOutput) Discard() {
	_ = o.Cleanup()
}
