package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	fmodata "github.com/nlstn/go-fmodata"
)

// opener connects to the database the command runs against.
type opener func(configPath string, logger *slog.Logger) (*fmodata.Database, error)

func openFromConfig(configPath string, logger *slog.Logger) (*fmodata.Database, error) {
	cfg, err := fmodata.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return cfg.Open(logger, nil)
}

type globalFlags struct {
	config  string
	verbose bool
}

func (g *globalFlags) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func newRootCommand(open opener) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "fmquery",
		Short:         "Query FileMaker databases over OData",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.config, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log requests to stderr")

	root.AddCommand(newQueryCommand(open, flags))
	root.AddCommand(newCountCommand(open, flags))
	return root
}

type queryFlags struct {
	selects []string
	filter  string
	orderBy []string
	top     int
	skip    int
	expand  []string
	urlOnly bool
}

func newQueryCommand(open opener, global *globalFlags) *cobra.Command {
	qf := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "query <table>",
		Short: "List records of a table as JSON",
		Example: `  fmquery query contacts --select name,email --filter "age gt 30" --orderby -age --top 10
  fmquery query contacts --expand invoices --url`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(global.config, global.logger(cmd))
			if err != nil {
				return err
			}
			q := qf.apply(db.From(fmodata.DynamicTable(args[0])), cmd)

			if qf.urlOnly {
				u, err := q.URL()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			}

			res, err := q.Execute(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd, res.Records)
		},
	}
	cmd.Flags().StringSliceVar(&qf.selects, "select", nil, "fields to return")
	cmd.Flags().StringVar(&qf.filter, "filter", "", "raw OData $filter expression")
	cmd.Flags().StringSliceVar(&qf.orderBy, "orderby", nil, "sort fields, prefix with - for descending")
	cmd.Flags().IntVar(&qf.top, "top", 0, fmt.Sprintf("maximum number of records (default %d)", fmodata.DefaultTop))
	cmd.Flags().IntVar(&qf.skip, "skip", 0, "number of records to skip")
	cmd.Flags().StringSliceVar(&qf.expand, "expand", nil, "relations to expand")
	cmd.Flags().BoolVar(&qf.urlOnly, "url", false, "print the request URL instead of sending it")
	return cmd
}

func (qf *queryFlags) apply(q fmodata.Query, cmd *cobra.Command) fmodata.Query {
	if len(qf.selects) > 0 {
		q = q.Select(qf.selects...)
	}
	if qf.filter != "" {
		q = q.Filter(fmodata.Raw(qf.filter))
	}
	for _, field := range qf.orderBy {
		if name, desc := strings.CutPrefix(field, "-"); desc {
			q = q.OrderByDesc(name)
		} else {
			q = q.OrderBy(field)
		}
	}
	if cmd.Flags().Changed("top") {
		q = q.Top(qf.top)
	}
	if qf.skip > 0 {
		q = q.Skip(qf.skip)
	}
	for _, rel := range qf.expand {
		q = q.Expand(rel, nil, nil)
	}
	return q
}

func newCountCommand(open opener, global *globalFlags) *cobra.Command {
	var filterExpr string
	cmd := &cobra.Command{
		Use:   "count <table>",
		Short: "Count the records of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(global.config, global.logger(cmd))
			if err != nil {
				return err
			}
			q := db.From(fmodata.DynamicTable(args[0]))
			if filterExpr != "" {
				q = q.Filter(fmodata.Raw(filterExpr))
			}
			n, err := q.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	cmd.Flags().StringVar(&filterExpr, "filter", "", "raw OData $filter expression")
	return cmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
