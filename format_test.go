package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zcop/sharepoint2/internal/credstore"
	"github.com/zcop/sharepoint2/internal/storage"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"zero", 0, "0 B"},
		{"bytes", 512, "512 B"},
		{"kibibytes", 1536, "1.5 KiB"},
		{"mebibytes", 5242880, "5.0 MiB"},
		{"gibibytes", 1610612736, "1.5 GiB"},
		{"tebibytes", 1099511627776, "1.0 TiB"},
		{"unknown", -1, "-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.bytes))
		})
	}
}

func TestFormatTime(t *testing.T) {
	now := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.Local)

	t.Run("same year", func(t *testing.T) {
		result := formatTime(time.Date(2026, time.March, 15, 10, 30, 0, 0, time.Local), now)
		assert.Equal(t, "Mar 15 10:30", result)
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(time.Date(2020, time.December, 25, 8, 0, 0, 0, time.Local), now)
		assert.Equal(t, "Dec 25  2020", result)
	})

	t.Run("zero", func(t *testing.T) {
		assert.Equal(t, "-", formatTime(time.Time{}, now))
	})
}

func TestFormatExpiry(t *testing.T) {
	now := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "unknown", formatExpiry(time.Time{}, now))
	assert.Contains(t, formatExpiry(now.Add(2*time.Hour), now), "from now")
	assert.Contains(t, formatExpiry(now.Add(-2*time.Hour), now), "ago")
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"NAME", "SIZE", "MODIFIED"}
	rows := [][]string{
		{"file.txt", "1.2 MiB", "Jan 15 10:30"},
		{"folder/", "-", "Feb  1 09:00"},
	}

	printTable(&buf, headers, rows)

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Equal(t, "NAME      SIZE     MODIFIED", string(lines[0]))
	assert.Equal(t, "file.txt  1.2 MiB  Jan 15 10:30", string(lines[1]))
	assert.Equal(t, "folder/   -        Feb  1 09:00", string(lines[2]))
}

func TestPrintCredentialsTable_NeverShowsTokens(t *testing.T) {
	var buf bytes.Buffer

	now := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)
	recs := []credstore.Record{{
		Key:          credstore.Key{ScopeID: 7, Identity: "alice@contoso.com"},
		Tenant:       "contoso",
		AccessToken:  "secret-access",
		RefreshToken: "secret-refresh",
		ExpiresAt:    now.Add(time.Hour),
		UpdatedAt:    now,
	}}

	printCredentialsTable(&buf, recs, now)

	out := buf.String()
	assert.Contains(t, out, "alice@contoso.com")
	assert.Contains(t, out, "contoso")
	assert.NotContains(t, out, "secret-access")
	assert.NotContains(t, out, "secret-refresh")
}

func TestPrintCredentialsTable_Empty(t *testing.T) {
	var buf bytes.Buffer

	printCredentialsTable(&buf, nil, time.Now())
	assert.Equal(t, "No stored credentials.\n", buf.String())
}

func TestCredentialJSON_OmitsTokenValues(t *testing.T) {
	rec := credstore.Record{
		Key:          credstore.Key{ScopeID: 1, Identity: "bob@contoso.com"},
		AccessToken:  "secret-access",
		RefreshToken: "secret-refresh",
	}

	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, toCredentialJSON(&rec)))

	assert.NotContains(t, buf.String(), "secret")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, true, decoded["has_access_token"])
	assert.Equal(t, true, decoded["has_refresh_token"])
	assert.Equal(t, "bob@contoso.com", decoded["identity"])
}

func TestPrintEntries(t *testing.T) {
	var buf bytes.Buffer

	now := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.Local)
	entries := []storage.Info{
		{Name: "Archive", Type: storage.TypeDir, ModTime: now, Permissions: storage.PermRead},
		{Name: "readme.txt", Type: storage.TypeFile, Size: 2048, ModTime: now, Permissions: storage.PermRead},
	}

	printEntries(&buf, entries, now)

	out := buf.String()
	assert.Contains(t, out, "Archive/")
	assert.Contains(t, out, "readme.txt")
	assert.Contains(t, out, "2.0 KiB")
}

func TestToEntryJSON(t *testing.T) {
	info := storage.Info{
		Name:        "q1.xlsx",
		Type:        storage.TypeFile,
		Size:        10,
		MimeType:    "application/vnd.ms-excel",
		ETag:        "\"{abc},1\"",
		Permissions: storage.PermRead,
	}

	got := toEntryJSON(&info)
	assert.Equal(t, "file", got.Type)
	assert.Equal(t, "r", got.Permissions)
	assert.Equal(t, "application/vnd.ms-excel", got.MimeType)
}
