package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcaje/marcaje/internal/ui"
)

var verifyRepair bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit that locally-synced records exist remotely",
	Long: `Check every record this device believes is synced against the remote
store. Records whose natural key is absent remotely are orphans: the
device's sync claim was wrong.

Orphans are only reported. Pass --repair to re-queue them for the next
sync pass; repair is never automatic.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		res, err := a.service.VerifyIntegrity(cmd.Context(), verifyRepair)
		if err != nil {
			fatalf("verification failed: %v", err)
		}

		if len(res.Orphans) == 0 {
			fmt.Printf("%s %d record(s) verified, no orphans\n", ui.RenderPass("✓"), res.Checked)
			return
		}

		fmt.Printf("%s %d orphaned record(s) of %d checked:\n",
			ui.RenderWarn("!"), len(res.Orphans), res.Checked)
		for _, o := range res.Orphans {
			fmt.Printf("  %s %s %s\n", ui.RenderFail("✗"), o.Key, ui.RenderMuted(string(o.Type)))
		}
		if verifyRepair {
			fmt.Printf("%s %d record(s) re-queued for sync\n", ui.RenderAccent("↻"), res.Repaired)
		} else {
			fmt.Printf("%s\n", ui.RenderMuted("run with --repair to re-queue them"))
		}
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyRepair, "repair", false, "re-queue orphaned records for sync")
}

var pullCmd = &cobra.Command{
	Use:   "pull [cedula]",
	Short: "Reconcile remote attendance state into the local store",
	Long: `Pull records written by other devices or edited by administrators into
the local store, and apply remote deletions. With no argument every
cedula known locally is reconciled.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if len(args) == 1 {
			res, err := a.service.Pull(cmd.Context(), args[0])
			if err != nil {
				fatalf("pull failed: %v", err)
			}
			printPull(res.Cedula, res.Created, res.Updated, res.Deleted, res.Failed)
			return
		}

		results, err := a.service.Puller().PullAll(cmd.Context())
		if err != nil {
			fatalf("pull failed: %v", err)
		}
		for _, res := range results {
			printPull(res.Cedula, res.Created, res.Updated, res.Deleted, res.Failed)
		}
	},
}

func printPull(cedula string, created, updated, deleted, failed int) {
	marker := ui.RenderPass("✓")
	if failed > 0 {
		marker = ui.RenderWarn("!")
	}
	fmt.Printf("%s %s: %d new, %d updated, %d deleted", marker, cedula, created, updated, deleted)
	if failed > 0 {
		fmt.Printf(", %d failed", failed)
	}
	fmt.Println()
}
