package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/crossdock/pricing-engine/internal/task"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id: %s", args[0])
			}

			repo, closeDB, err := openTaskStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			t, err := repo.GetByID(cmd.Context(), id)
			if err != nil {
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(t)
			}

			printTask(t)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeDB, err := openTaskStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			tasks, err := repo.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(tasks)
			}

			for _, t := range tasks {
				fmt.Printf("%s  %-8s  %3d items  %s\n",
					t.ID, statusLabel(t.Status), len(t.Items),
					t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of tasks to show")
	return cmd
}

// openTaskStore opens only the task database. Status commands do not need the
// warehouse or cache connections.
func openTaskStore(ctx context.Context) (*task.SQLRepository, func(), error) {
	driver := cfg.Database.Driver
	if driver == "sqlite" {
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, cfg.DatabaseDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}

	repo := task.NewSQLRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	return repo, func() { db.Close() }, nil
}

func printTask(t *task.Task) {
	fmt.Printf("Task:           %s\n", t.ID)
	fmt.Printf("Status:         %s\n", statusLabel(t.Status))
	fmt.Printf("Supplier group: %s\n", t.SupplierGroup)
	fmt.Printf("Items:          %d\n", len(t.Items))
	fmt.Printf("Created:        %s\n", t.CreatedAt.Local().Format(time.RFC3339))
	if t.Terminal() {
		fmt.Printf("Duration:       %s\n", t.Duration().Round(time.Millisecond))
	}
	if t.ResultLocation != "" {
		fmt.Printf("Result:         %s\n", t.ResultLocation)
	}
	if t.ErrorDetail != "" {
		fmt.Printf("Error:          %s\n", t.ErrorDetail)
	}
}

func statusLabel(s task.Status) string {
	switch s {
	case task.StatusSuccess:
		return color.GreenString(string(s))
	case task.StatusFailure:
		return color.RedString(string(s))
	case task.StatusRunning:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}
