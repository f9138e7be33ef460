package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify a mount's configuration, credential and library binding",
		Long: `Obtains an access token for the selected mount and resolves its site and
document library. Unlike the file commands, every failure is reported
with its cause.`,
		Args: cobra.NoArgs,
		RunE: runCheck,
	}
}

// checkJSON is the JSON schema for `check --json`.
type checkJSON struct {
	Mount     string `json:"mount"`
	StorageID string `json:"storage_id"`
	SiteID    string `json:"site_id"`
	DriveID   string `json:"drive_id"`
	MountRoot string `json:"mount_root"`
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	rt, err := openMount(ctx, cc)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.Manager.AccessToken(ctx, rt.Key, appFromConfig(&cc.Cfg.App)); err != nil {
		return fmt.Errorf("credential %s: %w", rt.Key, err)
	}

	if err := rt.Adapter.Test(ctx); err != nil {
		return err
	}

	// Memoized by the session: this does not hit the network again.
	b, err := rt.Session.Binding(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, checkJSON{
			Mount:     rt.Name,
			StorageID: rt.Adapter.ID(),
			SiteID:    b.SiteID,
			DriveID:   b.DriveID,
			MountRoot: b.MountRoot,
		})
	}

	fmt.Printf("Mount %q is ready.\n", rt.Name)
	fmt.Printf("  Storage ID: %s\n", rt.Adapter.ID())
	fmt.Printf("  Site:       %s (%s)\n", b.SiteURL, b.SiteID)
	fmt.Printf("  Drive:      %s\n", b.DriveID)

	if b.MountRoot != "" {
		fmt.Printf("  Root:       %s\n", b.MountRoot)
	}

	return nil
}
