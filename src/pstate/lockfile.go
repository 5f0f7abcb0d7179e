package pstate

import (
	"os"

	"github.com/gofrs/flock"
)

// HeaderFile guards the on-disk persisted-state header with an
// advisory file lock, adopted from the retrieved pack
// (github.com/gofrs/flock, a gvisor dependency), so that at most one
// paravisor instance writes the header across a service update (spec
// §4.7's keepalive boundary; spec §5's "save/restore... hand ownership
// across the service boundary").
type HeaderFile struct {
	path string
	lock *flock.Flock
}

// OpenHeaderFile acquires an exclusive, non-blocking lock on path's
// lock sidecar file. It returns an error if another instance already
// holds it.
func OpenHeaderFile(path string) (*HeaderFile, error) {
	l := flock.New(path + ".lock")
	ok, err := l.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, os.ErrExist
	}
	return &HeaderFile{path: path, lock: l}, nil
}

// Write persists header+payload to the backing file.
func (f *HeaderFile) Write(header, payload []byte) error {
	return os.WriteFile(f.path, append(append([]byte{}, header...), payload...), 0o600)
}

// Read loads header+payload from the backing file.
func (f *HeaderFile) Read() (header, payload []byte, err error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) < HeaderSize {
		return nil, nil, os.ErrInvalid
	}
	return data[:HeaderSize], data[HeaderSize:], nil
}

// Close releases the advisory lock.
func (f *HeaderFile) Close() error {
	return f.lock.Unlock()
}
