package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/follow"
	"github.com/basket/go-crew/internal/memory"
	"github.com/basket/go-crew/internal/persistence"
)

const noTaskOutputsMsg = "No task outputs found. Only crew kickoff task outputs are logged."

const logTasksLongDesc = `Retrieve your latest crew kickoff task outputs.

Each stored record is printed in insertion order with its task id and
expected output. Use --latest to print only the most recent kickoff,
--follow to keep printing records as they are stored, and --json for one
JSON object per line.`

func newLogTasksOutputsCmd(a *app) *cobra.Command {
	var opts logTasksOptions
	cmd := &cobra.Command{
		Use:   "log-tasks-outputs",
		Short: "Retrieve your latest crew kickoff task outputs",
		Long:  logTasksLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.logTasksOutputs(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Keep printing task outputs as they are stored")
	cmd.Flags().BoolVar(&opts.latest, "latest", false, "Only print the most recent kickoff")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print records as JSON lines")
	return cmd
}

type logTasksOptions struct {
	follow bool
	latest bool
	json   bool
}

func (a *app) logTasksOutputs(ctx context.Context, opts logTasksOptions) error {
	const doing = "logging task outputs"
	store, err := a.openStore()
	if err != nil {
		return failed(doing, err)
	}
	var recs []persistence.TaskOutput
	if opts.latest {
		recs, err = memory.NewKickoffOutputs(store).Latest(ctx)
	} else {
		recs, err = store.LoadTaskOutputs(ctx)
	}
	if err != nil {
		return failed(doing, err)
	}

	p := taskPrinter{w: a.stdout, ui: newUI(a.stdout), json: opts.json}
	if len(recs) == 0 && !opts.json {
		fmt.Fprintln(a.stdout, noTaskOutputsMsg)
	}
	for _, rec := range recs {
		if err := p.print(rec); err != nil {
			return failed(doing, err)
		}
	}
	if !opts.follow {
		return nil
	}

	var last int64
	if len(recs) > 0 {
		last = recs[len(recs)-1].Seq
	}
	f := follow.New(follow.Config{Source: store, DBPath: store.Path(), Logger: a.logger})
	if err := f.Run(ctx, last, p.print); err != nil {
		return failed(doing, err)
	}
	return nil
}

// taskPrinter numbers records across the initial listing and followed ones.
type taskPrinter struct {
	w    io.Writer
	ui   ui
	json bool
	n    int
}

func (p *taskPrinter) print(rec persistence.TaskOutput) error {
	p.n++
	if p.json {
		return json.NewEncoder(p.w).Encode(rec)
	}
	_, err := fmt.Fprintf(p.w, "%s %s\n%s %s\n%s\n",
		p.ui.render(keyStyle, fmt.Sprintf("Task %d:", p.n)), rec.TaskID,
		p.ui.render(keyStyle, "Description:"), rec.ExpectedOutput,
		p.ui.render(dimStyle, "------"),
	)
	return err
}
