package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// userResponse mirrors the Graph API /me JSON response.
type userResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail"`
	// UPN is a fallback when mail is empty.
	UPN string `json:"userPrincipalName"`
}

func (u *userResponse) toUser() User {
	email := u.Mail
	if email == "" {
		email = u.UPN
	}

	return User{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       email,
	}
}

// siteResponse mirrors the Graph API site JSON response.
type siteResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	WebURL      string `json:"webUrl"`
}

// driveResponse mirrors the Graph API drive JSON response.
type driveResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DriveType string `json:"driveType"`
	WebURL    string `json:"webUrl"`
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	c.logger.Info("fetching authenticated user profile")

	var ur userResponse
	if err := c.getJSON(ctx, "/me?$select=id,displayName,mail,userPrincipalName", "user", &ur); err != nil {
		return nil, err
	}

	user := ur.toUser()

	return &user, nil
}

// SiteByPath looks up a site by hostname and server-relative path, i.e.
// GET /sites/{host}:{path}. An empty path addresses the root site.
func (c *Client) SiteByPath(ctx context.Context, host, sitePath string) (*Site, error) {
	c.logger.Info("looking up site",
		slog.String("host", host),
		slog.String("path", sitePath),
	)

	apiPath := "/sites/" + url.PathEscape(host)
	if clean := strings.Trim(sitePath, "/"); clean != "" {
		apiPath += ":/" + encodePathSegments(clean)
	}

	var sr siteResponse
	if err := c.getJSON(ctx, apiPath+"?$select=id,name,displayName,webUrl", "site", &sr); err != nil {
		return nil, err
	}

	return &Site{
		ID:          sr.ID,
		Name:        sr.Name,
		DisplayName: sr.DisplayName,
		WebURL:      sr.WebURL,
	}, nil
}

// SiteDrives returns every document library of a site, following
// pagination.
func (c *Client) SiteDrives(ctx context.Context, siteID string) ([]Drive, error) {
	c.logger.Info("listing site drives", slog.String("site_id", siteID))

	raw, err := listAll[driveResponse](ctx, c,
		fmt.Sprintf("/sites/%s/drives?$select=id,name,driveType,webUrl", url.PathEscape(siteID)))
	if err != nil {
		return nil, err
	}

	drives := make([]Drive, 0, len(raw))
	for i := range raw {
		drives = append(drives, Drive{
			ID:        raw[i].ID,
			Name:      raw[i].Name,
			DriveType: raw[i].DriveType,
			WebURL:    raw[i].WebURL,
		})
	}

	c.logger.Info("listed site drives",
		slog.String("site_id", siteID),
		slog.Int("count", len(drives)),
	)

	return drives, nil
}
