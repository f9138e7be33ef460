package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/zcop/sharepoint2/internal/storage"
)

// errNotAccessible is returned when a path cannot be resolved. The adapter
// logs the underlying cause.
var errNotAccessible = errors.New("not found or not accessible")

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show file or folder metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Write a file's content to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  runCat,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}
}

func runLs(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	remotePath := "/"
	if len(args) > 0 {
		remotePath = args[0]
	}

	rt, err := openMount(ctx, cc)
	if err != nil {
		return err
	}
	defer rt.Close()

	info, ok := rt.Adapter.Stat(ctx, remotePath)
	if !ok {
		return fmt.Errorf("%s: %w", remotePath, errNotAccessible)
	}

	entries := []storage.Info{info}
	if info.IsDir() {
		entries = rt.Adapter.ReadDir(ctx, remotePath)
	}

	sortEntries(entries)

	if cc.Flags.JSON {
		out := make([]entryJSON, 0, len(entries))
		for i := range entries {
			out = append(out, toEntryJSON(&entries[i]))
		}

		return printJSON(os.Stdout, out)
	}

	printEntries(os.Stdout, entries, time.Now())

	return nil
}

// sortEntries puts folders first, then orders by name.
func sortEntries(entries []storage.Info) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}

		return entries[i].Name < entries[j].Name
	})
}

func runStat(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	rt, err := openMount(ctx, cc)
	if err != nil {
		return err
	}
	defer rt.Close()

	info, ok := rt.Adapter.Stat(ctx, args[0])
	if !ok {
		return fmt.Errorf("%s: %w", args[0], errNotAccessible)
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, toEntryJSON(&info))
	}

	fmt.Printf("Name:        %s\n", info.Name)
	fmt.Printf("Type:        %s\n", info.Type)
	fmt.Printf("Size:        %s (%d bytes)\n", formatSize(info.Size), info.Size)
	fmt.Printf("Modified:    %s\n", formatTime(info.ModTime, time.Now()))
	fmt.Printf("Permissions: %s\n", info.Permissions)

	if info.MimeType != "" {
		fmt.Printf("MIME type:   %s\n", info.MimeType)
	}

	if info.ETag != "" {
		fmt.Printf("ETag:        %s\n", info.ETag)
	}

	return nil
}

func runCat(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	rt, err := openMount(ctx, cc)
	if err != nil {
		return err
	}
	defer rt.Close()

	rc, err := rt.Adapter.Open(ctx, args[0], os.O_RDONLY)
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(os.Stdout, rc)

	return err
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	remotePath := args[0]

	localPath := path.Base(remotePath)
	if len(args) > 1 {
		localPath = args[1]
	}

	if st, err := os.Stat(localPath); err == nil && st.IsDir() {
		localPath = filepath.Join(localPath, path.Base(remotePath))
	}

	rt, err := openMount(ctx, cc)
	if err != nil {
		return err
	}
	defer rt.Close()

	rc, err := rt.Adapter.Open(ctx, remotePath, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer rc.Close()

	n, err := writeLocal(localPath, rc)
	if err != nil {
		return err
	}

	cc.Logger.Debug("file downloaded",
		slog.String("remote", remotePath),
		slog.String("local", localPath),
		slog.Int64("bytes", n),
	)
	cc.Statusf("Downloaded %s to %s (%s)\n", remotePath, localPath, formatSize(n))

	return nil
}

// writeLocal copies r into a sibling .partial file and renames it into
// place, so an interrupted copy never leaves a truncated target.
func writeLocal(localPath string, r io.Reader) (int64, error) {
	partial := localPath + ".partial"

	f, err := os.Create(partial)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", partial, err)
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("writing %s: %w", localPath, err)
	}

	if err := os.Rename(partial, localPath); err != nil {
		os.Remove(partial)
		return 0, fmt.Errorf("renaming into %s: %w", localPath, err)
	}

	return n, nil
}
