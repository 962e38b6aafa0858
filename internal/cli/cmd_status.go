package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opensprint/opensprint/internal/store"
	"github.com/opensprint/opensprint/internal/task"
)

func newStatusCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show the task backlog",
		Long: `Show the task backlog grouped by urgency: blocked tasks first, then
running, then queued. Closed tasks are hidden unless --all is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			tasks, err := store.NewTasks(db).ListAll(context.Background())
			if err != nil {
				return err
			}
			if !all {
				tasks = filterOpen(tasks)
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(tasks)
			}
			printTasks(tasks)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include closed tasks")
	return cmd
}

func filterOpen(tasks []*task.Task) []*task.Task {
	out := tasks[:0]
	for _, t := range tasks {
		if t.Status != task.StatusClosed {
			out = append(out, t)
		}
	}
	return out
}

// statusRank orders the table: needs-attention first.
func statusRank(s task.Status) int {
	switch s {
	case task.StatusBlocked:
		return 0
	case task.StatusInProgress, task.StatusInReview:
		return 1
	case task.StatusOpen, task.StatusReady:
		return 2
	default:
		return 3
	}
}

func printTasks(tasks []*task.Task) {
	if len(tasks) == 0 {
		fmt.Println("No tasks found.")
		fmt.Println("\nSeed the backlog with: opensprint run --tasks tasks.yaml")
		return
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := statusRank(tasks[i].Status), statusRank(tasks[j].Status)
		if ri != rj {
			return ri < rj
		}
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].ID < tasks[j].ID
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRI\tATTEMPTS\tASSIGNEE\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			t.ID, t.Status, t.Priority, t.Attempts, t.Assignee, t.Title)
		if t.Status == task.StatusBlocked && t.BlockReason != "" {
			fmt.Fprintf(w, "\t↳ %s\t\t\t\t\n", t.BlockReason)
		}
	}
	_ = w.Flush()
}
