package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/kervan/go-commerce-store/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Run database migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var dir string
	root.PersistentFlags().StringVar(&dir, "dir", "migrations", "migration directory")

	root.AddCommand(newDirectionCmd("up", "Apply pending migrations", &dir))
	root.AddCommand(newDirectionCmd("down", "Revert migrations in reverse order", &dir))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newDirectionCmd(direction, short string, dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   direction,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, direction, *dir)
		},
	}
}

func run(cmd *cobra.Command, direction, dir string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migration directory: %w", err)
	}

	var migrationFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), fmt.Sprintf(".%s.sql", direction)) {
			migrationFiles = append(migrationFiles, file.Name())
		}
	}

	sort.Strings(migrationFiles)
	if direction == "down" {
		for i, j := 0, len(migrationFiles)-1; i < j; i, j = i+1, j-1 {
			migrationFiles[i], migrationFiles[j] = migrationFiles[j], migrationFiles[i]
		}
	}

	for _, filename := range migrationFiles {
		content, err := os.ReadFile(filepath.Join(dir, filename))
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", filename, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Running migration: %s\n", filename)
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", filename, err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Successfully ran %d migration(s) %s\n", len(migrationFiles), direction)
	return nil
}
