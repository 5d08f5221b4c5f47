package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/querybridge/querybridge/internal/service"
)

// QueryOptions holds flags for the query command
type QueryOptions struct {
	*RootOptions
	Params   []string
	Page     int
	PageSize int
	Timeout  time.Duration
}

// NewQueryCommand creates the query command: a one-shot statement
// execution against the configured store, printing the response
// envelope as JSON
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run one parameterized statement and print the result",
		Long: `Run a single parameterized statement against the configured store.
Positional parameters bind in order via --param, repeated once per value.

Example:
  querybridge query "SELECT * FROM users WHERE age > $1" --param 21
  querybridge query "SELECT * FROM events" --page 2 --page-size 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "positional statement parameter (repeatable)")
	cmd.Flags().IntVar(&opts.Page, "page", 0, "page number for windowed execution")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 0, "page size for windowed execution")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall execution timeout")

	return cmd
}

func runQuery(opts *QueryOptions, sql string) error {
	e, err := bootstrap(opts.ConfigPath)
	if err != nil {
		return err
	}
	defer e.shutdown(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	params := make([]interface{}, len(opts.Params))
	for i, p := range opts.Params {
		params[i] = p
	}

	var resp interface{}
	if opts.Page > 0 || opts.PageSize > 0 {
		resp = e.service.ExecutePaginated(ctx, sql, params, opts.Page, opts.PageSize)
	} else {
		resp = e.service.ExecuteRaw(ctx, sql, params, service.ExecOptions{})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}
