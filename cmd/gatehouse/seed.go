// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/gatehouse/gatehouse/internal/abac/seed"
	abacstore "github.com/gatehouse/gatehouse/internal/abac/store"
	"github.com/gatehouse/gatehouse/internal/store"
)

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Install the default catalogue",
		Long: `Install the embedded default attribute schemas, actions, and
baseline policies. Safe to run repeatedly: existing entries are skipped.`,
		RunE: runSeed,
	}
	cmd.Flags().String("database-url", "", "PostgreSQL connection string")
	return cmd
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	pack, err := seed.Load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	res, err := seed.Apply(ctx, abacstore.NewPostgres(pool), pack, version)
	if err != nil {
		return err
	}
	cmd.Printf("Seed completed: %d schemas, %d actions, %d policies created, %d skipped\n",
		res.SchemasCreated, res.ActionsCreated, res.PoliciesCreated, res.Skipped)
	return nil
}
