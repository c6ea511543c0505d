package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"example.com/backstage/cqrs/utils"
)

var afterVersion int

var eventsCmd = &cobra.Command{
	Use:   "events <aggregate-id>",
	Short: "Print the event stream of an aggregate",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

func init() {
	eventsCmd.Flags().IntVar(&afterVersion, "after", 0, "only print events after this version")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	if err := utils.ValidateAggregateID(args[0]); err != nil {
		return err
	}

	store, err := initEventStore(cfg.Database)
	if err != nil {
		return err
	}

	events, err := store.EventsForAggregate(cmd.Context(), args[0], afterVersion)
	if err != nil {
		return errors.Wrap(err, "failed to read events")
	}

	out, err := utils.PrettyPrint(events)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
