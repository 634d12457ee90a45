package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/slotbook/booking-service/internal/app"
	"github.com/slotbook/booking-service/internal/config"
	"github.com/spf13/cobra"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	dir, _ := cmd.Flags().GetString("config-dir")
	if dir == "" {
		dir = "."
	}
	return config.LoadConfig(dir)
}

func loadIssuer(cmd *cobra.Command) (*app.SignedLinkIssuer, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return app.NewSignedLinkIssuer(cfg.SignedLinkSecret, time.Duration(cfg.SignedLinkTTLHours)*time.Hour, cfg.SignedLinkBaseURL)
}

func linkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Issue and check signed booking links",
	}
	cmd.AddCommand(linkGenerateCmd())
	cmd.AddCommand(linkVerifyCmd())
	return cmd
}

func linkGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Issue a signed booking link for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskRaw, _ := cmd.Flags().GetString("task")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			asJSON, _ := cmd.Flags().GetBool("json")

			taskID, err := uuid.Parse(taskRaw)
			if err != nil {
				return fmt.Errorf("invalid --task: %w", err)
			}
			issuer, err := loadIssuer(cmd)
			if err != nil {
				return err
			}
			link, err := issuer.GenerateWithTTL(taskID, ttl)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(link)
			}
			fmt.Fprintf(out, "Task:     %s\n", link.ResourceID)
			fmt.Fprintf(out, "Expires:  %s\n", time.UnixMilli(link.ExpiresAtEpochMillis).UTC().Format(time.RFC3339))
			fmt.Fprintf(out, "Token:    %s\n", link.Token)
			fmt.Fprintf(out, "Path:     %s\n", link.Path)
			if link.URL != "" {
				fmt.Fprintf(out, "URL:      %s\n", link.URL)
			}
			return nil
		},
	}

	cmd.Flags().String("task", "", "Task ID the link grants access to")
	cmd.Flags().Duration("ttl", 0, "Link lifetime (defaults to SIGNED_LINK_TTL_HOURS)")
	cmd.Flags().BoolP("json", "j", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func linkVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a signed booking link",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskRaw, _ := cmd.Flags().GetString("task")
			token, _ := cmd.Flags().GetString("token")
			exp, _ := cmd.Flags().GetString("exp")

			issuer, err := loadIssuer(cmd)
			if err != nil {
				return err
			}
			taskID, err := issuer.VerifyRaw(taskRaw, token, exp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid link for task %s\n", taskID)
			return nil
		},
	}

	cmd.Flags().String("task", "", "Task ID from the link path")
	cmd.Flags().String("token", "", "token query parameter")
	cmd.Flags().String("exp", "", "exp query parameter (epoch millis)")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("exp")
	return cmd
}
