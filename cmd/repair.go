package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/almudeerhq/almudeer/internal/config"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/store"
	"github.com/almudeerhq/almudeer/internal/workers"
)

func repairCmd() *cobra.Command {
	var licenseID string
	c := &cobra.Command{
		Use:   "repair",
		Short: "Promote analyzed messages stuck behind a missed status update",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(cmd.Context(), licenseID)
		},
	}
	c.Flags().StringVar(&licenseID, "license", "", "repair a single license (default: all active)")
	return c
}

func runRepair(ctx context.Context, licenseID string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	log := logging.Setup(cfg.Env, cfg.LogPath)

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	var n int64
	if licenseID != "" {
		n, err = db.RepairStaleInbox(ctx, licenseID)
	} else {
		n, err = workers.New(db, nil, log).RepairAll(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Printf("repaired %d messages\n", n)
	return nil
}
