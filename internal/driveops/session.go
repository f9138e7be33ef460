package driveops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	gosync "sync"

	"github.com/zcop/sharepoint2/internal/graph"
)

// Mount is the user-facing configuration of one mounted library.
type Mount struct {
	SiteURL     string
	LibraryPath string
}

// Session is the per-session context for one mount: Graph clients, the
// mount configuration, and the lazily resolved Binding. Meta carries the
// short metadata timeout and Transfer the long download timeout.
type Session struct {
	Meta     MetaClient
	Transfer Downloader
	Mount    Mount

	resolver *Resolver
	logger   *slog.Logger

	mu         gosync.Mutex
	binding    *Binding
	resolveErr error
}

// NewSession creates a Session. Resolution happens on first use.
func NewSession(meta MetaClient, transfer Downloader, mount Mount, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		Meta:     meta,
		Transfer: transfer,
		Mount:    mount,
		resolver: NewResolver(meta, logger),
		logger:   logger,
	}
}

// Binding returns the resolved binding, resolving it on first call. A
// permanent resolution error is remembered and returned by every later call
// without contacting the remote API; token and transport failures are not
// remembered, so the next call tries again.
func (s *Session) Binding(ctx context.Context) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.binding != nil {
		return s.binding, nil
	}

	if s.resolveErr != nil {
		return nil, s.resolveErr
	}

	b, err := s.resolver.Resolve(ctx, s.Mount.SiteURL, s.Mount.LibraryPath)
	if err != nil {
		if IsResolutionError(err) {
			s.resolveErr = err
		}

		return nil, err
	}

	s.binding = b

	return b, nil
}

// Config returns the mount configuration the session was created for.
func (s *Session) Config() Mount {
	return s.Mount
}

// RootItem is the synthetic descriptor returned for the mount root.
func RootItem() *graph.Item {
	return &graph.Item{Entry: graph.Folder{ChildCount: graph.ChildCountUnknown}}
}

// DrivePath maps a virtual path to its drive-relative path. Paths with dot
// segments fail with ErrPathOutsideMount before any remote call.
func (s *Session) DrivePath(ctx context.Context, virtualPath string) (string, *Binding, error) {
	rel := NormalizePath(virtualPath)
	if err := CheckRelativePath(rel); err != nil {
		return "", nil, err
	}

	b, err := s.Binding(ctx)
	if err != nil {
		return "", nil, err
	}

	return BuildDrivePath(b.MountRoot, rel), b, nil
}

// ItemByPath resolves a virtual path to a remote item. The mount root is
// answered with RootItem without a remote call.
func (s *Session) ItemByPath(ctx context.Context, virtualPath string) (*graph.Item, error) {
	if NormalizePath(virtualPath) == "" {
		if _, err := s.Binding(ctx); err != nil {
			return nil, err
		}

		return RootItem(), nil
	}

	drivePath, b, err := s.DrivePath(ctx, virtualPath)
	if err != nil {
		return nil, err
	}

	return s.Meta.GetItemByPath(ctx, b.DriveID, drivePath)
}

// ListChildren lists the folder at a virtual path, following every page.
func (s *Session) ListChildren(ctx context.Context, virtualPath string) ([]graph.Item, error) {
	drivePath, b, err := s.DrivePath(ctx, virtualPath)
	if err != nil {
		return nil, err
	}

	return s.Meta.ListChildrenByPath(ctx, b.DriveID, drivePath)
}

// Download streams the content of item to w. limit <= 0 means unlimited.
func (s *Session) Download(ctx context.Context, item *graph.Item, w io.Writer, limit int64) (int64, error) {
	b, err := s.Binding(ctx)
	if err != nil {
		return 0, err
	}

	if item.IsFolder() {
		return 0, fmt.Errorf("driveops: %q is a folder", item.Name)
	}

	return s.Transfer.Download(ctx, b.DriveID, item.ID, w, limit)
}

// SessionProvider builds Sessions that share HTTP clients and Graph client
// options. Token sources are supplied per session, since each mount may
// authenticate as a different identity.
type SessionProvider struct {
	metaHTTP     *http.Client
	transferHTTP *http.Client
	userAgent    string
	logger       *slog.Logger
	opts         []graph.Option

	// BaseURL is the Graph endpoint. Exported for test injection; defaults
	// to graph.DefaultBaseURL.
	BaseURL string
}

// NewSessionProvider creates a SessionProvider.
func NewSessionProvider(
	metaHTTP, transferHTTP *http.Client, userAgent string, logger *slog.Logger, opts ...graph.Option,
) *SessionProvider {
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionProvider{
		metaHTTP:     metaHTTP,
		transferHTTP: transferHTTP,
		userAgent:    userAgent,
		logger:       logger,
		opts:         opts,
		BaseURL:      graph.DefaultBaseURL,
	}
}

// Session creates a new, unresolved Session for mount authenticated by ts.
func (p *SessionProvider) Session(mount Mount, ts graph.TokenSource) *Session {
	meta := graph.NewClient(p.BaseURL, p.metaHTTP, ts, p.logger, p.userAgent, p.opts...)
	transfer := graph.NewClient(p.BaseURL, p.transferHTTP, ts, p.logger, p.userAgent, p.opts...)

	p.logger.Debug("session created",
		slog.String("site_url", mount.SiteURL),
		slog.String("library", mount.LibraryPath),
	)

	return NewSession(meta, transfer, mount, p.logger)
}
