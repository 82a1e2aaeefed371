package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcaje/marcaje/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending records to the remote store now",
	Long: `Run one sync pass immediately.

Each pending record uploads its evidence photo (if any) and is upserted
into the remote store by its natural key (cedula, date, timestamp), so a
retried or concurrent sync never duplicates an event.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		res, err := a.service.SyncNow(cmd.Context())
		if err != nil {
			fatalf("sync failed: %v", err)
		}
		if res.Busy {
			fmt.Printf("%s A sync pass is already running\n", ui.RenderWarn("!"))
			return
		}
		if res.Total == 0 {
			fmt.Printf("%s Nothing to sync\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("%s %d synced, %d failed", ui.RenderPass("✓"), res.Synced, res.Failed)
		if res.Skipped > 0 {
			fmt.Printf(", %d skipped (no network)", res.Skipped)
		}
		fmt.Println()
		for _, r := range res.Results {
			if r.Err != "" && !r.Skipped {
				fmt.Printf("  %s %s: %s\n", ui.RenderFail("✗"), r.Key, r.Err)
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync queue depth and connectivity",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		st, err := a.service.Status(cmd.Context())
		if err != nil {
			fatalf("%v", err)
		}

		network := ui.RenderFail("offline")
		if st.HasNetwork {
			network = ui.RenderPass("online")
		}
		fmt.Printf("Network:  %s\n", network)
		fmt.Printf("Pending:  %d record(s)\n", st.PendingCount)
		if st.PassActive {
			fmt.Printf("Sync:     %s\n", ui.RenderAccent("pass in progress"))
		}
	},
}
