package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajharris/AlphaTest/internal/seed"
)

var (
	seedReset bool
	seedFile  string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Populate the database with sample users, repositories and bug reports",
	Long: `Load sample data for local development. The built-in fixtures are used
unless --file points at a YAML file in the same format.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return seedRun()
	},
}

func init() {
	seedCmd.Flags().BoolVar(&seedReset, "reset", false, "Delete all existing data first")
	seedCmd.Flags().StringVar(&seedFile, "file", "", "YAML fixtures file")
	rootCmd.AddCommand(seedCmd)
}

func loadFixtures() (*seed.Fixtures, error) {
	if seedFile == "" {
		return seed.Default()
	}
	data, err := os.ReadFile(seedFile)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	return seed.Parse(data)
}

func seedRun() error {
	f, err := loadFixtures()
	if err != nil {
		return err
	}

	if dryRun {
		if seedReset {
			ui.DryRunMsg("Would delete all existing data")
		}
		ui.DryRunMsg("Would seed %d users, %d repositories, %d bug reports",
			len(f.Users), len(f.Repositories), len(f.BugReports))
		return nil
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if seedReset {
		if err := s.Reset(ctx); err != nil {
			return err
		}
		ui.Info("Cleared existing data")
	}

	sum, err := seed.Apply(ctx, s, f, time.Now().UTC())
	if err != nil {
		return err
	}
	ui.Success("Seeded %d users, %d repositories, %d bug reports", sum.Users, sum.Repositories, sum.BugReports)
	return nil
}
