package driveops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zcop/sharepoint2/internal/graph"
)

// Resolution errors. They are permanent for a given remote state: a
// Session that hits one keeps returning it instead of asking again.
var (
	ErrInvalidSiteURL  = errors.New("driveops: invalid site URL")
	ErrSiteNotFound    = errors.New("driveops: site not found")
	ErrLibraryNotFound = errors.New("driveops: document library not found")
	ErrSubPathInvalid  = errors.New("driveops: library sub-path is not a folder")
)

// IsResolutionError reports whether err is one of the permanent resolution
// errors, as opposed to a token or transport failure worth retrying.
func IsResolutionError(err error) bool {
	return errors.Is(err, ErrInvalidSiteURL) ||
		errors.Is(err, ErrSiteNotFound) ||
		errors.Is(err, ErrLibraryNotFound) ||
		errors.Is(err, ErrSubPathInvalid)
}

// Binding is a mount configuration resolved to remote coordinates.
type Binding struct {
	SiteURL     string
	LibraryPath string
	SiteID      string
	DriveID     string
	// MountRoot is the drive-relative folder exposed as the mount's root.
	// Empty means the library root.
	MountRoot string
}

// Resolver resolves (site URL, library path) pairs.
type Resolver struct {
	locator Locator
	logger  *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(locator Locator, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{locator: locator, logger: logger}
}

// Resolve looks up the site by host and path, picks the drive whose name
// equals the library name exactly, and verifies the sub-path is a folder.
func (r *Resolver) Resolve(ctx context.Context, siteURL, libraryPath string) (*Binding, error) {
	host, sitePath, err := ParseSiteURL(siteURL)
	if err != nil {
		return nil, err
	}

	library, subPath := SplitLibraryPath(libraryPath)

	r.logger.Debug("resolving drive binding",
		slog.String("host", host),
		slog.String("site_path", sitePath),
		slog.String("library", library),
		slog.String("sub_path", subPath),
	)

	site, err := r.locator.SiteByPath(ctx, host, sitePath)
	if errors.Is(err, graph.ErrNotFound) || (err == nil && site.ID == "") {
		return nil, fmt.Errorf("%w: %s:%s", ErrSiteNotFound, host, sitePath)
	}

	if err != nil {
		return nil, fmt.Errorf("driveops: looking up site %s:%s: %w", host, sitePath, err)
	}

	drives, err := r.locator.SiteDrives(ctx, site.ID)
	if err != nil {
		return nil, fmt.Errorf("driveops: listing drives of site %s: %w", site.ID, err)
	}

	driveID := ""

	for i := range drives {
		if drives[i].Name == library {
			driveID = drives[i].ID
			break
		}
	}

	if driveID == "" {
		return nil, fmt.Errorf("%w: %q on %s", ErrLibraryNotFound, library, siteURL)
	}

	if subPath != "" {
		item, err := r.locator.GetItemByPath(ctx, driveID, subPath)
		if errors.Is(err, graph.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q does not exist", ErrSubPathInvalid, subPath)
		}

		if err != nil {
			return nil, fmt.Errorf("driveops: verifying sub-path %q: %w", subPath, err)
		}

		if !item.IsFolder() {
			return nil, fmt.Errorf("%w: %q is a file", ErrSubPathInvalid, subPath)
		}
	}

	b := &Binding{
		SiteURL:     siteURL,
		LibraryPath: libraryPath,
		SiteID:      site.ID,
		DriveID:     driveID,
		MountRoot:   subPath,
	}

	r.logger.Info("drive binding resolved",
		slog.String("site_id", b.SiteID),
		slog.String("drive_id", b.DriveID),
		slog.String("mount_root", b.MountRoot),
	)

	return b, nil
}
