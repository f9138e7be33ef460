package graph

import "time"

// Entry is the kind-specific part of an Item: either File or Folder.
// The variant is decided once when a response is decoded; callers switch
// on the concrete type instead of probing optional JSON fields.
type Entry interface {
	entry()
}

// File is the Entry of a regular file.
type File struct {
	Size     int64
	MimeType string
}

// Folder is the Entry of a folder.
type Folder struct {
	ChildCount int // ChildCountUnknown if not present
}

func (File) entry()   {}
func (Folder) entry() {}

// ChildCountUnknown indicates the child count was not present in the API response.
const ChildCountUnknown = -1

// Item is one drive item (file or folder) normalized from a Graph API
// response. Items are transient: nothing in this module caches them beyond
// a single call.
type Item struct {
	ID         string
	Name       string
	ETag       string
	ModifiedAt time.Time
	Entry      Entry
}

// IsFolder reports whether the item is a folder.
func (i *Item) IsFolder() bool {
	_, ok := i.Entry.(Folder)
	return ok
}

// Size returns the file size, or 0 for folders.
func (i *Item) Size() int64 {
	if f, ok := i.Entry.(File); ok {
		return f.Size
	}

	return 0
}

// MimeType returns the file MIME type, or "" for folders.
func (i *Item) MimeType() string {
	if f, ok := i.Entry.(File); ok {
		return f.MimeType
	}

	return ""
}

// Site is a SharePoint site.
type Site struct {
	ID          string
	Name        string
	DisplayName string
	WebURL      string
}

// Drive is a document library belonging to a site.
type Drive struct {
	ID        string
	Name      string
	DriveType string
	WebURL    string
}

// User is the signed-in user's profile.
type User struct {
	ID          string
	DisplayName string
	Email       string
}
