// Package storage is where result files go: a local directory, or a Google Cloud Storage bucket
package storage

import (
	"errors"
	"io"
	"time"

	"github.com/cyclopcam/logs"
)

var (
	ErrInvalidName    = errors.New("invalid file name")
	ErrNotAFilesystem = errors.New("storage is not a filesystem")
)

// Storage is an abstraction of a blob store
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(name string) (*File, error)

	DeleteFile(name string) error

	// Describe returns a human readable location, for log messages
	Describe() string
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Open returns GCS storage when bucket is not empty, and filesystem storage rooted at 'root' otherwise.
// For GCS, root becomes the object name prefix.
func Open(log logs.Log, root, bucket string) (Storage, error) {
	if bucket != "" {
		return NewStorageGCS(log, bucket, root)
	}
	return NewStorageFS(log, root)
}

func WriteFile(s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
