package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zcop/sharepoint2/internal/driveops"
	"github.com/zcop/sharepoint2/internal/graph"
)

// DefaultMaxDownloadSize caps the content Open will spool to disk.
const DefaultMaxDownloadSize int64 = 2 << 30

// idPrefix namespaces storage IDs for the hosting application.
const idPrefix = "sharepoint2::"

// writeFlags are the os.OpenFile flags that signal write intent.
const writeFlags = os.O_WRONLY | os.O_RDWR | os.O_APPEND | os.O_CREATE | os.O_TRUNC

// Browser is the subset of *driveops.Session the Adapter uses.
type Browser interface {
	Config() driveops.Mount
	Binding(ctx context.Context) (*driveops.Binding, error)
	ItemByPath(ctx context.Context, virtualPath string) (*graph.Item, error)
	ListChildren(ctx context.Context, virtualPath string) ([]graph.Item, error)
	Download(ctx context.Context, item *graph.Item, w io.Writer, limit int64) (int64, error)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMaxDownloadSize sets the largest file Open will serve. n <= 0 removes the cap.
func WithMaxDownloadSize(n int64) Option {
	return func(a *Adapter) { a.maxDownload = n }
}

// WithTempDir sets the directory Open spools downloads into.
func WithTempDir(dir string) Option {
	return func(a *Adapter) { a.tempDir = dir }
}

// Adapter implements FileStore over one mount session.
type Adapter struct {
	browser     Browser
	logger      *slog.Logger
	maxDownload int64
	tempDir     string
}

var _ FileStore = (*Adapter)(nil)

// New creates an Adapter. The session is resolved lazily on first use.
func New(browser Browser, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		browser:     browser,
		logger:      logger,
		maxDownload: DefaultMaxDownloadSize,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// ID returns a stable identifier derived from the site URL, the library
// path and the mount root. Two adapters with the same configuration share
// an ID across restarts. No remote call is made.
func (a *Adapter) ID() string {
	m := a.browser.Config()
	_, mountRoot := driveops.SplitLibraryPath(m.LibraryPath)

	h := sha256.New()
	for _, part := range []string{m.SiteURL, m.LibraryPath, mountRoot} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}

	return idPrefix + hex.EncodeToString(h.Sum(nil))
}

// Test resolves the mount binding and returns any error unchanged. It is
// the configuration check used by administrative callers.
func (a *Adapter) Test(ctx context.Context) error {
	if _, err := a.browser.Binding(ctx); err != nil {
		return fmt.Errorf("storage: mount check failed: %w", err)
	}

	return nil
}

// lookup resolves p to a remote item, logging and swallowing failures.
func (a *Adapter) lookup(ctx context.Context, p string) (*graph.Item, bool) {
	item, err := a.browser.ItemByPath(ctx, p)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, graph.ErrNotFound) {
			level = slog.LevelDebug
		}

		a.logger.Log(ctx, level, "item lookup failed",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)

		return nil, false
	}

	return item, true
}

// Exists reports whether p resolves to an item.
func (a *Adapter) Exists(ctx context.Context, p string) bool {
	_, ok := a.lookup(ctx, p)
	return ok
}

// IsDir reports whether p is a folder.
func (a *Adapter) IsDir(ctx context.Context, p string) bool {
	return a.FileType(ctx, p) == TypeDir
}

// IsFile reports whether p is a file.
func (a *Adapter) IsFile(ctx context.Context, p string) bool {
	return a.FileType(ctx, p) == TypeFile
}

// FileType returns the type of p, or TypeNone when it cannot be resolved.
func (a *Adapter) FileType(ctx context.Context, p string) FileType {
	item, ok := a.lookup(ctx, p)
	if !ok {
		return TypeNone
	}

	return typeOf(item)
}

// Stat describes p. The second result is false, with a zero Info, when p
// cannot be resolved for any reason.
func (a *Adapter) Stat(ctx context.Context, p string) (Info, bool) {
	item, ok := a.lookup(ctx, p)
	if !ok {
		return Info{}, false
	}

	info := toInfo(item)
	if info.Name == "" {
		info.Name = path.Base(driveops.NormalizePath(p))
		if info.Name == "." {
			info.Name = ""
		}
	}

	return info, true
}

// ReadDir lists the folder at p. Any failure yields an empty listing.
func (a *Adapter) ReadDir(ctx context.Context, p string) []Info {
	items, err := a.browser.ListChildren(ctx, p)
	if err != nil {
		a.logger.Warn("listing failed, returning empty folder",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)

		return []Info{}
	}

	infos := make([]Info, 0, len(items))
	for i := range items {
		infos = append(infos, toInfo(&items[i]))
	}

	return infos
}

// Permissions is PermRead for any resolvable path and PermNone otherwise.
func (a *Adapter) Permissions(ctx context.Context, p string) Permission {
	if _, ok := a.lookup(ctx, p); !ok {
		return PermNone
	}

	return PermRead
}

// Open downloads the file at p into a temporary file and returns it
// positioned at the start. The temporary file is removed on Close. Write
// intent in flag is refused before any remote call.
func (a *Adapter) Open(ctx context.Context, p string, flag int) (io.ReadCloser, error) {
	if flag&writeFlags != 0 {
		return nil, fmt.Errorf("%w: open %q for writing", ErrReadOnly, p)
	}

	item, ok := a.lookup(ctx, p)
	if !ok {
		return nil, fmt.Errorf("%w: %q not found", ErrCannotOpen, p)
	}

	if item.IsFolder() {
		return nil, fmt.Errorf("%w: %q is a folder", ErrCannotOpen, p)
	}

	if a.maxDownload > 0 && item.Size() > a.maxDownload {
		a.logger.Warn("file exceeds download limit",
			slog.String("path", p),
			slog.String("size", humanize.IBytes(uint64(item.Size()))),
			slog.String("limit", humanize.IBytes(uint64(a.maxDownload))),
		)

		return nil, fmt.Errorf("%w: %q exceeds the download limit", ErrCannotOpen, p)
	}

	f, err := a.spool(ctx, item)
	if err != nil {
		a.logger.Warn("download failed",
			slog.String("path", p),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %q", ErrCannotOpen, p)
	}

	return f, nil
}

// spool streams item into a fresh temporary file and rewinds it.
func (a *Adapter) spool(ctx context.Context, item *graph.Item) (*tempFile, error) {
	f, err := os.CreateTemp(a.tempDir, ".sharepoint2-*.partial")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	tf := &tempFile{File: f}

	n, err := a.browser.Download(ctx, item, f, a.maxDownload)
	if err != nil {
		tf.Close()
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		tf.Close()
		return nil, fmt.Errorf("rewinding temp file: %w", err)
	}

	a.logger.Debug("download spooled",
		slog.String("item_id", item.ID),
		slog.Int64("bytes", n),
	)

	return tf, nil
}

// tempFile removes itself on Close.
type tempFile struct {
	*os.File
}

func (t *tempFile) Close() error {
	closeErr := t.File.Close()
	removeErr := os.Remove(t.File.Name())

	return errors.Join(closeErr, removeErr)
}

func (a *Adapter) refuse(op, p string) error {
	a.logger.Debug("refusing mutating operation",
		slog.String("op", op),
		slog.String("path", p),
	)

	return fmt.Errorf("%w: %s %q", ErrReadOnly, op, p)
}

// Mkdir is not supported.
func (a *Adapter) Mkdir(_ context.Context, p string) error { return a.refuse("mkdir", p) }

// Rmdir is not supported.
func (a *Adapter) Rmdir(_ context.Context, p string) error { return a.refuse("rmdir", p) }

// Unlink is not supported.
func (a *Adapter) Unlink(_ context.Context, p string) error { return a.refuse("unlink", p) }

// Touch is not supported.
func (a *Adapter) Touch(_ context.Context, p string, _ time.Time) error { return a.refuse("touch", p) }

// Rename is not supported.
func (a *Adapter) Rename(_ context.Context, from, _ string) error { return a.refuse("rename", from) }

// Copy is not supported.
func (a *Adapter) Copy(_ context.Context, from, _ string) error { return a.refuse("copy", from) }

// Write is not supported.
func (a *Adapter) Write(_ context.Context, p string, _ io.Reader) error { return a.refuse("write", p) }

func typeOf(item *graph.Item) FileType {
	if item.IsFolder() {
		return TypeDir
	}

	return TypeFile
}

// toInfo translates a remote item into the file-store attribute model.
func toInfo(item *graph.Item) Info {
	return Info{
		Name:        item.Name,
		Size:        item.Size(),
		ModTime:     item.ModifiedAt,
		Type:        typeOf(item),
		MimeType:    item.MimeType(),
		ETag:        item.ETag,
		Permissions: PermRead,
	}
}
