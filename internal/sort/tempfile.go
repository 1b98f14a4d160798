package sort

import (
	"io"
	"os"

	"github.com/google/uuid"
)

// ───────────────────────────────────────────────────────────────────────────
// Temp-file VFS (§6)
// ───────────────────────────────────────────────────────────────────────────

// TempFile is the minimal file contract a PMA is written to and read
// from. Swapping in a different implementation (an in-memory ring
// buffer for tests, a different filesystem) only requires satisfying
// this interface.
type TempFile interface {
	io.WriterAt
	io.ReaderAt
	io.Closer
	Name() string
}

// osTempFile is the default TempFile: a real file in the OS temp
// directory, named with a random UUID to avoid collisions between
// concurrent sorters, deleted the moment it is closed.
type osTempFile struct {
	*os.File
}

// NewTempFile creates a new backing file under dir (os.TempDir() if dir
// is empty).
func NewTempFile(dir string) (TempFile, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	name := "embeddb-sort-" + uuid.NewString() + ".pma"
	f, err := os.CreateTemp(dir, name)
	if err != nil {
		return nil, err
	}
	return &osTempFile{File: f}, nil
}

func (t *osTempFile) Close() error {
	name := t.File.Name()
	err := t.File.Close()
	os.Remove(name)
	return err
}
