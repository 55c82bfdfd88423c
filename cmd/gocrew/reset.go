package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/memory"
	"github.com/basket/go-crew/internal/reset"
)

const noCategoryMsg = "Please specify at least one memory type to reset using the appropriate flags."

const resetLongDesc = `Reset the crew memories (long, short, entity, latest kickoff outputs).

This deletes all the data saved in the selected categories. Categories are
cleared independently: if one fails, the others stay cleared.`

func newResetMemoriesCmd(a *app) *cobra.Command {
	var f reset.Flags
	cmd := &cobra.Command{
		Use:   "reset-memories",
		Short: "Reset the crew memories",
		Long:  resetLongDesc,
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Nothing selected: print guidance without touching any state.
			if errors.Is(f.Validate(), reset.ErrNoCategorySelected) {
				return nil
			}
			return a.setup(cmd.Context())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.resetMemories(cmd.Context(), f)
		},
	}
	cmd.Flags().BoolVarP(&f.Long, "long", "l", false, "Reset LONG TERM memory")
	cmd.Flags().BoolVarP(&f.Short, "short", "s", false, "Reset SHORT TERM memory")
	cmd.Flags().BoolVarP(&f.Entities, "entities", "e", false, "Reset ENTITIES memory")
	cmd.Flags().BoolVarP(&f.KickoffOutputs, "kickoff-outputs", "k", false, "Reset LATEST KICKOFF TASK OUTPUTS")
	cmd.Flags().BoolVarP(&f.All, "all", "a", false, "Reset ALL memories")
	return cmd
}

func (a *app) resetMemories(ctx context.Context, f reset.Flags) error {
	const doing = "resetting memories"
	if errors.Is(f.Validate(), reset.ErrNoCategorySelected) {
		fmt.Fprintln(a.stdout, noCategoryMsg)
		return nil
	}

	store, err := a.openStore()
	if err != nil {
		return failed(doing, err)
	}
	coord := reset.New(reset.Config{
		Categories: memory.NewSet(store).Categories(),
		Logger:     a.logger,
		Bus:        a.bus,
		Tracer:     a.tel.Tracer,
		Metrics:    a.metrics,
	})

	report, err := coord.Reset(ctx, f)
	u := newUI(a.stdout)
	for _, c := range report.Cleared {
		fmt.Fprintf(a.stdout, "%s %s has been reset. %s\n", u.mark(nil), capitalize(c.Category.Label()),
			u.render(dimStyle, fmt.Sprintf("(%d removed)", c.Removed)))
	}
	if err != nil {
		var pf *reset.PartialFailureError
		if errors.As(err, &pf) {
			for _, fl := range pf.Failures {
				fmt.Fprintf(a.stdout, "%s %s was not reset.\n", u.mark(fl.Err), capitalize(fl.Category.Label()))
			}
		}
		return failed(doing, err)
	}
	return nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
