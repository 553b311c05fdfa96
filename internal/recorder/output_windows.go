//go:build windows

package recorder

import (
	"os"
	"path/filepath"
)

// output is a file that only appears at its path once committed.
type output interface {
	Write(p []byte) (int, error)
	Commit() error
	Discard()
}

type tempOutput struct {
	*os.File
	path string
	done bool
}

func newOutput(path string) (output, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, err
	}
	return &tempOutput{File: f, path: path}, nil
}

func (o *tempOutput) Commit() error {
	if err := o.Sync(); err != nil {
		return err
	}
	if err := o.Close(); err != nil {
		return err
	}
	o.done = true
	return os.Rename(o.Name(), o.path)
}

func (o *tempOutput) Discard() {
	if o.done {
		return
	}
	_ = o.Close()
	_ = os.Remove(o.Name())
}
