package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// itemJSON renders a minimal driveItem payload for test servers.
func itemJSON(id, name string, folder bool) map[string]any {
	m := map[string]any{
		"id":                   id,
		"name":                 name,
		"eTag":                 "etag-" + id,
		"lastModifiedDateTime": "2024-03-01T10:00:00Z",
	}

	if folder {
		m["folder"] = map[string]any{"childCount": 2}
	} else {
		m["size"] = 1024
		m["file"] = map[string]any{"mimeType": "text/plain"}
	}

	return m
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestGetItemByPath_File(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drives/d1/root:/report.txt", r.URL.Path)
		assert.Equal(t, itemSelect, r.URL.Query().Get("$select"))
		writeJSON(t, w, itemJSON("i1", "report.txt", false))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	item, err := client.GetItemByPath(context.Background(), "d1", "report.txt")
	require.NoError(t, err)

	assert.Equal(t, "i1", item.ID)
	assert.Equal(t, "report.txt", item.Name)
	assert.Equal(t, "etag-i1", item.ETag)
	assert.False(t, item.IsFolder())
	assert.Equal(t, int64(1024), item.Size())
	assert.Equal(t, "text/plain", item.MimeType())
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), item.ModifiedAt)
}

func TestToItem_Variants(t *testing.T) {
	logger := testLogger(t)

	t.Run("folder with child count", func(t *testing.T) {
		n := 7
		d := driveItemResponse{ID: "f", Name: "Docs", Folder: &folderFacet{ChildCount: &n}}
		item := d.toItem(logger)

		require.IsType(t, Folder{}, item.Entry)
		assert.Equal(t, 7, item.Entry.(Folder).ChildCount)
		assert.True(t, item.IsFolder())
		assert.Equal(t, int64(0), item.Size())
	})

	t.Run("folder without child count", func(t *testing.T) {
		d := driveItemResponse{ID: "f", Name: "Docs", Folder: &folderFacet{}}
		item := d.toItem(logger)

		assert.Equal(t, Folder{ChildCount: ChildCountUnknown}, item.Entry)
	})

	t.Run("file without size or mime type", func(t *testing.T) {
		d := driveItemResponse{ID: "x", Name: "blob"}
		item := d.toItem(logger)

		assert.Equal(t, File{}, item.Entry)
		assert.Equal(t, "", item.MimeType())
	})

	t.Run("invalid timestamp becomes zero", func(t *testing.T) {
		d := driveItemResponse{ID: "x", Name: "blob", LastModifiedDateTime: "yesterday"}
		item := d.toItem(logger)

		assert.True(t, item.ModifiedAt.IsZero())
	})

	t.Run("out of range timestamp becomes zero", func(t *testing.T) {
		d := driveItemResponse{ID: "x", Name: "blob", LastModifiedDateTime: "2999-01-01T00:00:00Z"}
		item := d.toItem(logger)

		assert.True(t, item.ModifiedAt.IsZero())
	})
}

func TestGetItemByPath_EmptyPathUsesRoot(t *testing.T) {
	for _, p := range []string{"", "/", "//"} {
		t.Run(strconv.Quote(p), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/drives/d1/root", r.URL.Path)
				writeJSON(t, w, itemJSON("root", "root", true))
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			item, err := client.GetItemByPath(context.Background(), "d1", p)
			require.NoError(t, err)
			assert.True(t, item.IsFolder())
		})
	}
}

func TestGetItemByPath_EncodesSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drives/d1/root:/Team%20Docs/Q%231.txt", r.URL.EscapedPath())
		writeJSON(t, w, itemJSON("i1", "Q#1.txt", false))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	item, err := client.GetItemByPath(context.Background(), "d1", "/Team Docs/Q#1.txt/")
	require.NoError(t, err)
	assert.Equal(t, "Q#1.txt", item.Name)
}

func TestGetItemByPath_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.GetItemByPath(context.Background(), "d1", "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListChildrenByPath_QueryParameters(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantPath string
	}{
		{"root", "", "/drives/d1/root/children"},
		{"nested", "Shared/Reports", "/drives/d1/root:/Shared/Reports:/children"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.wantPath, r.URL.Path)
				assert.Equal(t, "999", r.URL.Query().Get("$top"))
				assert.Equal(t, itemSelect, r.URL.Query().Get("$select"))
				writeJSON(t, w, map[string]any{"value": []any{itemJSON("a", "a.txt", false)}})
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			items, err := client.ListChildrenByPath(context.Background(), "d1", tt.path)
			require.NoError(t, err)
			assert.Len(t, items, 1)
		})
	}
}

func TestListChildrenByPath_FollowsEveryPage(t *testing.T) {
	pageSizes := []int{999, 999, 42}

	var calls atomic.Int32

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n > 0 {
			assert.Equal(t, strconv.Itoa(n), r.URL.Query().Get("$skiptoken"))
		}

		values := make([]any, 0, pageSizes[n])
		for i := range pageSizes[n] {
			values = append(values, itemJSON(fmt.Sprintf("p%d-%d", n, i), fmt.Sprintf("f%d-%d", n, i), false))
		}

		body := map[string]any{"value": values}
		if n+1 < len(pageSizes) {
			body["@odata.nextLink"] = fmt.Sprintf("%s/drives/d1/root/children?$skiptoken=%d", srv.URL, n+1)
		}

		writeJSON(t, w, body)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	items, err := client.ListChildrenByPath(context.Background(), "d1", "")
	require.NoError(t, err)

	assert.Len(t, items, 2040)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "p0-0", items[0].ID)
	assert.Equal(t, "p2-41", items[len(items)-1].ID)
}

func TestListChildrenByPath_EmptyFolder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drives/d1/root:/parent:/children", r.URL.Path)
		writeJSON(t, w, map[string]any{"value": []any{}})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	items, err := client.ListChildrenByPath(context.Background(), "d1", "parent")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestListChildrenByPath_ErrorOnLaterPage(t *testing.T) {
	var calls atomic.Int32

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(t, w, map[string]any{
				"value":           []any{itemJSON("a", "a", false)},
				"@odata.nextLink": srv.URL + "/next?page=2",
			})

			return
		}

		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.ListChildrenByPath(context.Background(), "d1", "parent")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestListChildrenByPath_RejectsForeignNextLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{
			"value":           []any{},
			"@odata.nextLink": "https://evil.example.com/next",
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.ListChildrenByPath(context.Background(), "d1", "parent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match base URL")
}

func TestListChildrenByPath_RepeatedNextLink(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"value":           []any{},
			"@odata.nextLink": srv.URL + r.URL.RequestURI(),
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.ListChildrenByPath(context.Background(), "d1", "parent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repeats")
}

func TestListChildrenByPath_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.ListChildrenByPath(context.Background(), "d1", "parent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestEncodePathSegments(t *testing.T) {
	assert.Equal(t, "a/b%20c/d%23e", encodePathSegments("a/b c/d#e"))
	assert.Equal(t, "plain", encodePathSegments("plain"))
}
