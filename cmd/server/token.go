package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sumire/agenthub/internal/service"
)

func tokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token CALLER_ID",
		Short: "Print an access/refresh token pair for a caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			auth := service.NewAuthService(service.AuthConfig{JWTSecret: cfg.JWTSecret, Issuer: tokenIssuer})
			pair, err := auth.IssueTokenPair(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pair)
		},
	}
}
