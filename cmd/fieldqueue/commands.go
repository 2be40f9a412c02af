package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newGCCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove synced edits older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApplication(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck

			deleted, err := collectSyncedEdits(cmd.Context(), time.Now(), app.config.EditRetention, app.elementEdits, app.noteEdits)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d synced edits\n", deleted)
			return err
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the edits waiting for upload and the open changesets",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApplication(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck
			return printStatus(cmd, app)
		},
	}
}

func printStatus(cmd *cobra.Command, app *application) error {
	ctx := cmd.Context()
	elementCount, err := app.elementEdits.GetUnsyncedCount(ctx)
	if err != nil {
		return err
	}
	positiveCount, err := app.elementEdits.GetPositiveUnsyncedCount(ctx)
	if err != nil {
		return err
	}
	noteCount, err := app.noteEdits.GetUnsyncedCount(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := fmt.Fprintf(out, "element edits: %d (net %d)\nnote edits: %d\n", elementCount, positiveCount, noteCount); err != nil {
		return err
	}

	openChangesets, err := app.changesets.GetAll(ctx)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "open changesets: %d\n", len(openChangesets)); err != nil {
		return err
	}
	now := time.Now()
	for _, changeset := range openChangesets {
		idle := now.Sub(changeset.LastUsedAt)
		state := "reusable"
		if idle >= app.config.ChangesetMaxAge {
			state = "stale"
		}
		if _, err := fmt.Fprintf(out, "  %s/%s #%d idle %s %s\n",
			changeset.Key.QuestType, changeset.Key.Source, changeset.ChangesetID, idle.Truncate(time.Second), state); err != nil {
			return err
		}
	}
	return nil
}

func newTokenCommand() *cobra.Command {
	var client string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper(), true)
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig.SigningSecret, appConfig.TokenTTL)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(client)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires %s\n", token, expiresAt.UTC().Format(time.RFC3339))
			return err
		},
	}
	tokenCmd.Flags().StringVar(&client, "client", "cli", "Client name embedded in the token")
	return tokenCmd
}
