package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/italolelis/modelfetch/internal/config"
	"github.com/italolelis/modelfetch/internal/http/rest"
	"github.com/italolelis/modelfetch/internal/storage/sqlite"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Print stored downloads, or a single one by id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cfg, closer, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer closer.Close()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}

			return status(ctx, cfg, id, cmd.OutOrStdout())
		},
	}
}

func status(ctx context.Context, cfg *config.Config, id string, out io.Writer) error {
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	repo := sqlite.NewDownloadRepository(database)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if id != "" {
		rec, err := repo.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load download %s: %w", id, err)
		}

		return enc.Encode(rest.NewDownloadResponse(rec))
	}

	records, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list downloads: %w", err)
	}

	resp := make([]rest.DownloadResponse, 0, len(records))
	for i := range records {
		resp = append(resp, rest.NewDownloadResponse(&records[i]))
	}

	return enc.Encode(resp)
}
