package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/marcaje/marcaje/internal/record"
	"github.com/marcaje/marcaje/internal/ui"
)

var reportFlags struct {
	cedula string
	from   string
	to     string
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "List local records and worked hours for a cedula",
	Long: `Show the locally known records for a cedula, paired into worked
intervals per day.

Date bounds accept natural language: --from "last monday" --to "today".`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		from, to, err := resolveRange(reportFlags.from, reportFlags.to)
		if err != nil {
			fatalf("%v", err)
		}

		records, err := a.store.ByCedula(cmd.Context(), reportFlags.cedula, from, to)
		if err != nil {
			fatalf("%v", err)
		}
		if len(records) == 0 {
			fmt.Printf("%s No records for %s in %s..%s\n",
				ui.RenderMuted("∅"), reportFlags.cedula, from, to)
			return
		}

		byDay := make(map[string][]*record.AttendanceRecord)
		var days []string
		for _, r := range records {
			if _, seen := byDay[r.Date]; !seen {
				days = append(days, r.Date)
			}
			byDay[r.Date] = append(byDay[r.Date], r)
		}

		for _, day := range days {
			dayRecords := byDay[day]
			fmt.Printf("%s\n", ui.RenderAccent(day))
			for _, r := range dayRecords {
				status := string(r.SyncStatus)
				switch r.SyncStatus {
				case record.StatusSynced:
					status = ui.RenderPass(status)
				case record.StatusError:
					status = ui.RenderFail(status)
				default:
					status = ui.RenderWarn(status)
				}
				fmt.Printf("  %s  %-9s  %s\n", r.Time, r.Type, status)
			}
			total := record.TotalWorkedHours(dayRecords)
			fmt.Printf("  %s %.2fh\n", ui.RenderMuted("worked:"), total)
		}
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportFlags.cedula, "cedula", "", "employee cedula (required)")
	reportCmd.Flags().StringVar(&reportFlags.from, "from", "7 days ago", "range start (natural language or YYYY-MM-DD)")
	reportCmd.Flags().StringVar(&reportFlags.to, "to", "today", "range end (natural language or YYYY-MM-DD)")
	_ = reportCmd.MarkFlagRequired("cedula")
}

// resolveRange parses the bounds, accepting exact dates or natural
// language via when.
func resolveRange(fromExpr, toExpr string) (string, string, error) {
	from, err := parseDay(fromExpr)
	if err != nil {
		return "", "", fmt.Errorf("invalid --from: %w", err)
	}
	to, err := parseDay(toExpr)
	if err != nil {
		return "", "", fmt.Errorf("invalid --to: %w", err)
	}
	return from, to, nil
}

func parseDay(expr string) (string, error) {
	if t, err := time.Parse("2006-01-02", expr); err == nil {
		return t.Format("2006-01-02"), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	res, err := w.Parse(expr, time.Now())
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", fmt.Errorf("cannot understand %q", expr)
	}
	return res.Time.Format("2006-01-02"), nil
}
