package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zcop/sharepoint2/internal/credstore"
	"github.com/zcop/sharepoint2/internal/storage"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// formatSize returns a human-readable size string (e.g. "1.2 MiB").
func formatSize(bytes int64) string {
	if bytes < 0 {
		return "-"
	}

	return humanize.IBytes(uint64(bytes))
}

// formatTime returns a compact timestamp for display, relative to now.
func formatTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}

	if t.Year() == now.Year() {
		return t.Local().Format("Jan _2 15:04")
	}

	return t.Local().Format("Jan _2  2006")
}

// formatExpiry describes when a credential expires ("in 42 minutes",
// "3 hours ago").
func formatExpiry(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	return humanize.RelTime(t, now, "ago", "from now")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

func printCredentialsTable(w io.Writer, recs []credstore.Record, now time.Time) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No stored credentials.")
		return
	}

	rows := make([][]string, 0, len(recs))
	for i := range recs {
		r := &recs[i]
		rows = append(rows, []string{
			strconv.FormatInt(r.ScopeID, 10),
			r.Identity,
			r.Tenant,
			formatExpiry(r.ExpiresAt, now),
			formatTime(r.UpdatedAt, now),
		})
	}

	printTable(w, []string{"SCOPE", "IDENTITY", "TENANT", "EXPIRES", "UPDATED"}, rows)
}

// entryJSON is the JSON schema for `ls --json` and `stat --json`.
type entryJSON struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	MimeType    string    `json:"mime_type,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	Permissions string    `json:"permissions"`
}

func toEntryJSON(info *storage.Info) entryJSON {
	return entryJSON{
		Name:        info.Name,
		Type:        string(info.Type),
		Size:        info.Size,
		ModTime:     info.ModTime,
		MimeType:    info.MimeType,
		ETag:        info.ETag,
		Permissions: info.Permissions.String(),
	}
}

func printEntries(w io.Writer, entries []storage.Info, now time.Time) {
	rows := make([][]string, 0, len(entries))
	for i := range entries {
		e := &entries[i]

		name, size := e.Name, formatSize(e.Size)
		if e.IsDir() {
			name += "/"
			size = "-"
		}

		rows = append(rows, []string{e.Permissions.String(), size, formatTime(e.ModTime, now), name})
	}

	printTable(w, []string{"PERM", "SIZE", "MODIFIED", "NAME"}, rows)
}
