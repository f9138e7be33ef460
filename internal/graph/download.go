package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// ErrTooLarge is returned by Download when the content exceeds the caller's limit.
var ErrTooLarge = errors.New("graph: content exceeds size limit")

// Download streams the content of a drive item to w. The /content endpoint
// answers with a redirect to a pre-authenticated URL which the HTTP client
// follows; the URL itself is never logged. When limit > 0 and the body is
// longer than limit bytes, ErrTooLarge is returned after limit bytes have
// been written. Returns the number of bytes written.
func (c *Client) Download(ctx context.Context, driveID, itemID string, w io.Writer, limit int64) (int64, error) {
	c.logger.Info("downloading item",
		slog.String("drive_id", driveID),
		slog.String("item_id", itemID),
	)

	resp, err := c.Do(ctx, http.MethodGet,
		fmt.Sprintf("/drives/%s/items/%s/content", url.PathEscape(driveID), url.PathEscape(itemID)))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}

	n, err := io.Copy(w, body)
	if err != nil {
		c.logger.Error("streaming download content failed",
			slog.String("error", err.Error()),
			slog.Int64("bytes_before_error", n),
		)

		return n, fmt.Errorf("graph: streaming download content: %w", err)
	}

	if limit > 0 && n > limit {
		return n, ErrTooLarge
	}

	c.logger.Debug("download complete",
		slog.String("drive_id", driveID),
		slog.String("item_id", itemID),
		slog.Int64("bytes_written", n),
	)

	return n, nil
}
