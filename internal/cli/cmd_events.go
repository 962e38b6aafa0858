package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/store"
)

func newEventsCmd() *cobra.Command {
	var (
		taskID string
		kind   string
		since  int64
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the event log",
		Long: `Query the orchestrator's event history. Every record carries a sequence
number; --since resumes from a cursor, so repeated invocations can tail the
log without replaying it.

Examples:
  opensprint events --task T-42
  opensprint events --kind task.blocked
  opensprint events --since 1200 --limit 50`,
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

			found, err := store.NewEvents(db, nil).Find(context.Background(), store.Query{
				TaskID:   taskID,
				Kind:     events.Kind(kind),
				SinceSeq: since,
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(found)
			}
			for _, e := range found {
				printEvent(e)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "filter by task ID")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by event kind")
	cmd.Flags().Int64Var(&since, "since", 0, "only events after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events")
	return cmd
}

func printEvent(e events.Event) {
	line := fmt.Sprintf("%6d  %s  %-18s %s",
		e.Seq, e.Time.Format("2006-01-02 15:04:05"), e.Kind, e.TaskID)
	if len(e.Data) > 0 {
		if data, err := json.Marshal(e.Data); err == nil {
			line += "  " + string(data)
		}
	}
	fmt.Println(line)
}
