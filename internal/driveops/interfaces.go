package driveops

import (
	"context"
	"io"

	"github.com/zcop/sharepoint2/internal/graph"
)

// Locator looks up sites, libraries and items. Satisfied by *graph.Client.
type Locator interface {
	SiteByPath(ctx context.Context, host, sitePath string) (*graph.Site, error)
	SiteDrives(ctx context.Context, siteID string) ([]graph.Drive, error)
	GetItemByPath(ctx context.Context, driveID, remotePath string) (*graph.Item, error)
}

// Lister lists folder children by drive path. Satisfied by *graph.Client.
type Lister interface {
	ListChildrenByPath(ctx context.Context, driveID, remotePath string) ([]graph.Item, error)
}

// Downloader streams a remote file by item ID. Satisfied by *graph.Client.
type Downloader interface {
	Download(ctx context.Context, driveID, itemID string, w io.Writer, limit int64) (int64, error)
}

// MetaClient is everything a Session needs for metadata calls.
type MetaClient interface {
	Locator
	Lister
}
