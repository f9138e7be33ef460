package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// listChildrenPageSize is the $top value for children listings. 999 is the
// largest page the drive item collection endpoints accept.
const listChildrenPageSize = 999

// itemSelect restricts item payloads to the fields normalized by toItem.
const itemSelect = "id,name,size,eTag,lastModifiedDateTime,file,folder"

// Timestamp validation bounds. Timestamps outside this range are replaced
// with the zero time and a warning is logged.
const (
	minValidYear = 1970
	maxValidYear = 2100
)

// encodePathSegments URL-encodes each segment of a slash-separated path.
// Characters like #, ?, %, and spaces are encoded per-segment so the
// resulting path is safe for interpolation into Graph API URLs.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// driveItemResponse mirrors the Graph API driveItem JSON.
// Unexported: callers use Item via toItem() normalization.
type driveItemResponse struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Size                 *int64       `json:"size"`
	ETag                 string       `json:"eTag"`
	LastModifiedDateTime string       `json:"lastModifiedDateTime"`
	File                 *fileFacet   `json:"file"`
	Folder               *folderFacet `json:"folder"`
}

type fileFacet struct {
	MimeType string `json:"mimeType"`
}

type folderFacet struct {
	ChildCount *int `json:"childCount"`
}

// page is one page of an OData collection response.
type page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation key
}

// toItem normalizes a Graph API driveItem response into our Item type.
// The folder facet decides the variant; absent optional fields take their
// documented defaults (size 0, unknown child count, empty MIME type).
func (d *driveItemResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:         d.ID,
		Name:       d.Name,
		ETag:       d.ETag,
		ModifiedAt: parseTimestamp(d.LastModifiedDateTime, d.ID, logger),
	}

	if d.Folder != nil {
		folder := Folder{ChildCount: ChildCountUnknown}
		if d.Folder.ChildCount != nil {
			folder.ChildCount = *d.Folder.ChildCount
		}

		item.Entry = folder

		return item
	}

	file := File{}
	if d.Size != nil {
		file.Size = *d.Size
	}

	if d.File != nil {
		file.MimeType = d.File.MimeType
	}

	item.Entry = file

	return item
}

// parseTimestamp parses an RFC3339 timestamp and validates the year range.
// Invalid or out-of-range timestamps yield the zero time and are logged.
func parseTimestamp(raw, itemID string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid timestamp, ignoring",
			slog.String("item_id", itemID),
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Time{}
	}

	if t.Year() < minValidYear || t.Year() > maxValidYear {
		logger.Warn("timestamp out of valid range, ignoring",
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Time{}
	}

	return t
}

// getJSON issues a GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, apiPath, what string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, apiPath)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("graph: decoding %s response: %w", what, err)
	}

	return nil
}

// fetchItem fetches a single drive item from the given API path and decodes it.
func (c *Client) fetchItem(ctx context.Context, apiPath string) (*Item, error) {
	var dir driveItemResponse
	if err := c.getJSON(ctx, apiPath, "item", &dir); err != nil {
		return nil, err
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// listAll fetches apiPath and follows @odata.nextLink until a page omits
// it, accumulating every value. There is no page cap; each request is
// bounded by the HTTP client's timeout.
func listAll[T any](ctx context.Context, c *Client, apiPath string) ([]T, error) {
	var all []T

	for pageNum := 1; apiPath != ""; pageNum++ {
		var p page[T]
		if err := c.getJSON(ctx, apiPath, "collection", &p); err != nil {
			return nil, err
		}

		all = append(all, p.Value...)

		c.logger.Debug("fetched page",
			slog.Int("page", pageNum),
			slog.Int("count", len(p.Value)),
		)

		if p.NextLink == "" {
			break
		}

		next, err := c.stripBaseURL(p.NextLink)
		if err != nil {
			return nil, err
		}

		if next == apiPath {
			return nil, fmt.Errorf("graph: nextLink repeats the current page %q", apiPath)
		}

		apiPath = next
	}

	return all, nil
}

// stripBaseURL removes the client's base URL prefix from a full URL,
// returning the path + query string for use with Do().
// Returns an error if the URL doesn't start with the expected base.
func (c *Client) stripBaseURL(fullURL string) (string, error) {
	if !strings.HasPrefix(fullURL, c.baseURL) {
		return "", fmt.Errorf("graph: nextLink URL %q does not match base URL %q", fullURL, c.baseURL)
	}

	return fullURL[len(c.baseURL):], nil
}

// Root retrieves the root folder of a drive.
func (c *Client) Root(ctx context.Context, driveID string) (*Item, error) {
	c.logger.Debug("getting drive root", slog.String("drive_id", driveID))

	return c.fetchItem(ctx, fmt.Sprintf("/drives/%s/root?$select=%s", url.PathEscape(driveID), itemSelect))
}

// GetItemByPath retrieves a drive item by its path relative to the drive root.
// Leading and trailing slashes are ignored. An empty path is served by the
// root endpoint: the by-path endpoint rejects an empty path.
func (c *Client) GetItemByPath(ctx context.Context, driveID, remotePath string) (*Item, error) {
	clean := strings.Trim(remotePath, "/")
	if clean == "" {
		return c.Root(ctx, driveID)
	}

	c.logger.Debug("getting item by path",
		slog.String("drive_id", driveID),
		slog.String("path", clean),
	)

	return c.fetchItem(ctx, fmt.Sprintf("/drives/%s/root:/%s?$select=%s",
		url.PathEscape(driveID), encodePathSegments(clean), itemSelect))
}

// ListChildrenByPath returns all children of the folder at remotePath,
// handling pagination automatically. An empty path lists the drive root.
func (c *Client) ListChildrenByPath(ctx context.Context, driveID, remotePath string) ([]Item, error) {
	clean := strings.Trim(remotePath, "/")

	apiPath := fmt.Sprintf("/drives/%s/root/children", url.PathEscape(driveID))
	if clean != "" {
		apiPath = fmt.Sprintf("/drives/%s/root:/%s:/children", url.PathEscape(driveID), encodePathSegments(clean))
	}

	return c.listItems(ctx, apiPath,
		slog.String("drive_id", driveID),
		slog.String("remote_path", clean),
	)
}

// listItems applies page size and field selection to a children endpoint,
// drains every page and normalizes the result.
func (c *Client) listItems(ctx context.Context, apiPath string, attrs ...any) ([]Item, error) {
	c.logger.Info("listing children", attrs...)

	raw, err := listAll[driveItemResponse](ctx, c,
		fmt.Sprintf("%s?$top=%d&$select=%s", apiPath, listChildrenPageSize, itemSelect))
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(raw))
	for i := range raw {
		items = append(items, raw[i].toItem(c.logger))
	}

	c.logger.Info("listed children", append(attrs, slog.Int("total_items", len(items)))...)

	return items, nil
}
