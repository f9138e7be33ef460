package driveops

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/zcop/sharepoint2/internal/graph"
)

// DefaultLibrary is the drive name used when a mount names no library.
const DefaultLibrary = "Documents"

// storageAreaMarker is the second segment of host-namespaced paths of the
// form "identity/files/mountName/...".
const storageAreaMarker = "files"

// ErrPathOutsideMount is returned for virtual paths with "." or ".."
// segments. It matches graph.ErrNotFound, so callers treat such paths like
// any other missing item.
var ErrPathOutsideMount = fmt.Errorf("driveops: path has dot segments: %w", graph.ErrNotFound)

// CleanRemotePath strips leading/trailing slashes, returns "" for root.
func CleanRemotePath(path string) string {
	return strings.Trim(path, "/")
}

// segments splits p on "/" and drops the empty segments that repeated or
// outer separators produce.
func segments(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
}

// NormalizePath converts a virtual path from the host namespace into a
// mount-relative path. Paths shaped "identity/files/mountName/rest" lose
// their first three segments; anything else passes through. Redundant
// separators are collapsed. The result is NFC-normalized, which is the form
// SharePoint stores names in.
func NormalizePath(virtualPath string) string {
	segs := segments(virtualPath)
	if len(segs) >= 3 && segs[1] == storageAreaMarker {
		segs = segs[3:]
	}

	return norm.NFC.String(strings.Join(segs, "/"))
}

// CheckRelativePath rejects mount-relative paths containing "." or ".."
// segments. Graph resolves those against the drive, not the mount root.
func CheckRelativePath(rel string) error {
	for _, seg := range segments(rel) {
		if seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrPathOutsideMount, rel)
		}
	}

	return nil
}

// BuildDrivePath joins the mount root and a mount-relative path with a
// single separator between every segment. Either side may be empty.
func BuildDrivePath(mountRoot, relativePath string) string {
	return strings.Join(append(segments(mountRoot), segments(relativePath)...), "/")
}

// RelativeToMount is the inverse of BuildDrivePath: it strips mountRoot from
// a drive path. ok is false when drivePath lies outside the mount.
func RelativeToMount(mountRoot, drivePath string) (rel string, ok bool) {
	root := strings.Join(segments(mountRoot), "/")
	p := strings.Join(segments(drivePath), "/")

	switch {
	case root == "":
		return p, true
	case p == root:
		return "", true
	case strings.HasPrefix(p, root+"/"):
		return p[len(root)+1:], true
	default:
		return "", false
	}
}

// SplitLibraryPath splits "LibraryName[/SubPath]" on its first segment. An
// empty library path selects DefaultLibrary and the library root.
func SplitLibraryPath(libraryPath string) (library, subPath string) {
	clean := CleanRemotePath(libraryPath)
	if clean == "" {
		return DefaultLibrary, ""
	}

	library, subPath, _ = strings.Cut(clean, "/")

	return library, CleanRemotePath(subPath)
}

// ParseSiteURL splits a site URL such as https://contoso.sharepoint.com/sites/Eng
// into its host and server-relative path. Both must be present.
func ParseSiteURL(siteURL string) (host, sitePath string, err error) {
	u, err := url.Parse(strings.TrimSpace(siteURL))
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %w", ErrInvalidSiteURL, siteURL, err)
	}

	sitePath = strings.TrimRight(u.Path, "/")

	if u.Host == "" || sitePath == "" {
		return "", "", fmt.Errorf("%w: %q needs a host and a site path", ErrInvalidSiteURL, siteURL)
	}

	return u.Hostname(), sitePath, nil
}
