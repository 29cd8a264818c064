package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/minirag/minirag/internal/api"
	"github.com/minirag/minirag/internal/config"
	"github.com/minirag/minirag/internal/postgres"
	"github.com/minirag/minirag/internal/store"
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Tenant administration",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a tenant and issue its first API token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, cleanup, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		tenant, err := st.CreateTenant(ctx, args[0])
		if err != nil {
			return fmt.Errorf("creating tenant: %w", err)
		}

		token, err := issueToken(cmd, st, tenant.ID, "initial")
		if err != nil {
			return err
		}

		fmt.Printf("Tenant created.\n\n")
		fmt.Printf("  ID:    %s\n", tenant.ID)
		fmt.Printf("  Name:  %s\n", tenant.Name)
		fmt.Printf("  Token: %s\n\n", token)
		fmt.Println("The token is shown once; only its hash is stored.")
		return nil
	},
}

var tenantTokenCmd = &cobra.Command{
	Use:   "token TENANT_ID [NAME]",
	Short: "Issue an additional API token for a tenant",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid tenant ID %q", args[0])
		}
		name := "default"
		if len(args) > 1 {
			name = args[1]
		}

		st, cleanup, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := st.GetTenant(cmd.Context(), tenantID); err != nil {
			return fmt.Errorf("looking up tenant: %w", err)
		}

		token, err := issueToken(cmd, st, tenantID, name)
		if err != nil {
			return err
		}
		fmt.Printf("Token: %s\n", token)
		return nil
	},
}

func init() {
	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantTokenCmd)
	rootCmd.AddCommand(tenantCmd)
}

// openStore connects to the database for one admin command.
func openStore(cmd *cobra.Command) (*store.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	pool, err := postgres.Open(cmd.Context(), cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	st, err := store.New(pool, newLogger())
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("creating store: %w", err)
	}
	return st, pool.Close, nil
}

// issueToken generates a random token and stores its hash.
func issueToken(cmd *cobra.Command, st *store.Store, tenantID uuid.UUID, name string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := "mrk_" + hex.EncodeToString(raw)

	if err := st.CreateAPIToken(cmd.Context(), tenantID, api.HashToken(token), name); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return token, nil
}
