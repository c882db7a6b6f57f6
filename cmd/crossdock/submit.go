package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/crossdock/pricing-engine/internal/app"
	"github.com/crossdock/pricing-engine/internal/progress"
	"github.com/crossdock/pricing-engine/internal/task"
)

func newSubmitCmd() *cobra.Command {
	var (
		file  string
		group string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch of brand/article pairs and wait for the export",
		Long: `Submit reads a CSV of brand,article pairs, runs the lookup against the
price warehouse, and prints the location of the exported spreadsheet.

The CSV has one pair per line:

    bosch,0986452041
    hyundai/kia,2630035505`,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readItemsCSV(file)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			engine, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}
			defer engine.Close()

			engine.Orchestrator.Start(ctx)
			defer engine.Orchestrator.Stop()

			id, err := engine.Orchestrator.Submit(ctx, items, group)
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}

			if !outputJSON {
				fmt.Printf("Task %s submitted (%d items, group %q)\n", id, len(items), group)
			}

			t, err := waitForTask(ctx, engine, id, len(items))
			if err != nil {
				return err
			}

			return printResult(t)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV file with brand,article pairs (required)")
	cmd.Flags().StringVarP(&group, "group", "g", "", "supplier group to search (required)")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("group")

	return cmd
}

// readItemsCSV parses a two-column brand,article CSV. Blank lines and lines
// starting with # are skipped.
func readItemsCSV(path string) ([]task.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open items file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var items []task.Item
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse items file: %w", err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("line %d: expected brand,article", len(items)+1)
		}
		items = append(items, task.Item{
			Brand: strings.TrimSpace(record[0]),
			SKU:   strings.TrimSpace(record[1]),
		})
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("items file is empty")
	}
	return items, nil
}

// waitForTask blocks until the task reaches a terminal state. Progress events
// drive the bar when the cache backend has pub/sub; otherwise the bar advances
// on status polls only.
func waitForTask(ctx context.Context, engine *app.App, id uuid.UUID, itemCount int) (*task.Task, error) {
	var bar *progressbar.ProgressBar
	if !outputJSON {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetDescription("processing"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	var updates <-chan progress.Update
	if engine.Subscriber != nil {
		ch, cancel, err := progress.Watch(ctx, engine.Subscriber, id)
		if err == nil {
			defer cancel()
			updates = ch
		}
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case u, ok := <-updates:
			if ok && bar != nil && u.Percent > 0 {
				_ = bar.Set(u.Percent)
			}
			if !ok {
				updates = nil
			}
		case <-ticker.C:
			t, err := engine.Orchestrator.GetStatus(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("poll status: %w", err)
			}
			if t.Terminal() {
				if bar != nil {
					_ = bar.Finish()
				}
				return t, nil
			}
		}
	}
}

func printResult(t *task.Task) error {
	if outputJSON {
		return json.NewEncoder(os.Stdout).Encode(t)
	}

	if t.Status == task.StatusSuccess {
		color.New(color.FgGreen).Printf("✓ Task %s finished in %s\n", t.ID, t.Duration().Round(time.Millisecond))
		fmt.Printf("  Result: %s\n", t.ResultLocation)
		return nil
	}

	color.New(color.FgRed).Printf("✗ Task %s failed: %s\n", t.ID, t.ErrorDetail)
	return fmt.Errorf("task failed")
}
