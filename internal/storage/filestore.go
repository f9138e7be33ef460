// Package storage exposes a mounted document library as a read-only file
// store. The Adapter composes a driveops.Session (binding resolution, path
// mapping, listing, download) and translates remote items into Info records.
//
// Lookups never fail loudly: any upstream error is logged and reported as an
// absent item or an empty folder. Only Test propagates errors, so an
// administrator can see why a mount does not work.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrReadOnly is returned by every mutating operation.
	ErrReadOnly = errors.New("storage: operation not supported on a read-only store")

	// ErrCannotOpen is returned by Open when the content cannot be served.
	ErrCannotOpen = errors.New("storage: cannot open")
)

// FileType distinguishes files from folders. The zero value means the path
// does not exist.
type FileType string

const (
	TypeNone FileType = ""
	TypeDir  FileType = "dir"
	TypeFile FileType = "file"
)

// Permission is a capability bit set.
type Permission uint8

const (
	PermNone Permission = 0
	PermRead Permission = 1
)

// String returns "r" or "-".
func (p Permission) String() string {
	if p&PermRead != 0 {
		return "r"
	}

	return "-"
}

// Info describes one file or folder.
type Info struct {
	Name        string
	Size        int64
	ModTime     time.Time
	Type        FileType
	MimeType    string
	ETag        string
	Permissions Permission
}

// IsDir reports whether the entry is a folder.
func (i Info) IsDir() bool {
	return i.Type == TypeDir
}

// FileStore is the contract consumed by a hosting file manager. Paths are
// virtual paths rooted at the mount; host-namespaced paths of the form
// "<user>/files/<mount>/..." are accepted as well.
type FileStore interface {
	ID() string
	Test(ctx context.Context) error

	Exists(ctx context.Context, path string) bool
	IsDir(ctx context.Context, path string) bool
	IsFile(ctx context.Context, path string) bool
	FileType(ctx context.Context, path string) FileType
	Stat(ctx context.Context, path string) (Info, bool)
	ReadDir(ctx context.Context, path string) []Info
	Permissions(ctx context.Context, path string) Permission
	Open(ctx context.Context, path string, flag int) (io.ReadCloser, error)

	Mkdir(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Unlink(ctx context.Context, path string) error
	Touch(ctx context.Context, path string, mtime time.Time) error
	Rename(ctx context.Context, from, to string) error
	Copy(ctx context.Context, from, to string) error
	Write(ctx context.Context, path string, r io.Reader) error
}
