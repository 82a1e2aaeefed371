package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcaje/marcaje/internal/engine"
	"github.com/marcaje/marcaje/internal/record"
	"github.com/marcaje/marcaje/internal/ui"
)

var clockFlags struct {
	cedula string
	userID string
	tenant string
	kiosk  bool
	pin    string
	photo  string
	lat    float64
	lng    float64
	hasGeo bool
}

func addClockFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&clockFlags.cedula, "cedula", "", "employee cedula (required)")
	cmd.Flags().StringVar(&clockFlags.userID, "user", "", "user id")
	cmd.Flags().StringVar(&clockFlags.tenant, "tenant", "", "tenant id (required before remote sync)")
	cmd.Flags().BoolVar(&clockFlags.kiosk, "kiosk", false, "shared-device mode: authorize with a PIN instead of a session")
	cmd.Flags().StringVar(&clockFlags.pin, "pin", "", "kiosk PIN (prompted interactively when omitted)")
	cmd.Flags().StringVar(&clockFlags.photo, "photo", "", "path to evidence photo")
	cmd.Flags().Float64Var(&clockFlags.lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&clockFlags.lng, "lng", 0, "longitude")
	_ = cmd.MarkFlagRequired("cedula")
}

var clockInCmd = &cobra.Command{
	Use:   "in",
	Short: "Record a clock-in event",
	Run: func(cmd *cobra.Command, args []string) {
		clockFlags.hasGeo = cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng")
		runClock(cmd.Context(), record.ClockIn)
	},
}

var clockOutCmd = &cobra.Command{
	Use:   "out",
	Short: "Record a clock-out event",
	Run: func(cmd *cobra.Command, args []string) {
		clockFlags.hasGeo = cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng")
		runClock(cmd.Context(), record.ClockOut)
	},
}

func init() {
	addClockFlags(clockInCmd)
	addClockFlags(clockOutCmd)
}

func runClock(ctx context.Context, typ record.ClockType) {
	a, err := openApp(ctx, nil)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	identity := record.Identity{
		UserID:   clockFlags.userID,
		Cedula:   clockFlags.cedula,
		TenantID: clockFlags.tenant,
	}
	if clockFlags.kiosk {
		pin := clockFlags.pin
		if pin == "" {
			pin, err = promptPIN()
			if err != nil {
				fatalf("PIN entry aborted: %v", err)
			}
		}
		identity.KioskPIN = pin
	}

	evidence, err := loadEvidence()
	if err != nil {
		fatalf("%v", err)
	}

	var result engine.ClockResult
	if typ == record.ClockIn {
		result, err = a.service.ClockIn(ctx, identity, evidence)
	} else {
		result, err = a.service.ClockOut(ctx, identity, evidence)
	}
	if !result.Success {
		msg := result.Error
		if msg == "" && err != nil {
			msg = err.Error()
		}
		fmt.Printf("%s %s\n", ui.RenderFail("✗"), msg)
		os.Exit(1)
	}

	rec := result.Record
	fmt.Printf("%s Recorded %s for %s at %s (%s)\n",
		ui.RenderPass("✓"), typ, rec.Cedula, rec.Time,
		ui.RenderMuted("pending sync"))
}

// promptPIN asks for the kiosk PIN interactively, masked.
func promptPIN() (string, error) {
	var pin string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Kiosk PIN").
			EchoMode(huh.EchoModePassword).
			Value(&pin).
			Validate(func(s string) error {
				s = strings.TrimSpace(s)
				if len(s) < 4 {
					return fmt.Errorf("PIN must be at least 4 digits")
				}
				return nil
			}),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(pin), nil
}

func loadEvidence() (record.Evidence, error) {
	var ev record.Evidence
	if clockFlags.photo != "" {
		data, err := os.ReadFile(clockFlags.photo)
		if err != nil {
			return ev, fmt.Errorf("cannot read photo %s: %w", clockFlags.photo, err)
		}
		ev.PhotoURI = "file://" + clockFlags.photo
		ev.PhotoBase64 = base64.StdEncoding.EncodeToString(data)
	}
	if clockFlags.hasGeo {
		lat, lng := clockFlags.lat, clockFlags.lng
		ev.Latitude = &lat
		ev.Longitude = &lng
	}
	return ev, nil
}
