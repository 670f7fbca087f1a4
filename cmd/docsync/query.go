package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/ui"
)

// queryFlags describes a query from the command line.
type queryFlags struct {
	group       bool
	where       []string
	or          bool
	order       []string
	limit       int
	limitToLast int
	startAt     []string
	startAfter  []string
	endAt       []string
	endBefore   []string
}

func readQueryFlags(cmd *cobra.Command) queryFlags {
	var qf queryFlags
	qf.group, _ = cmd.Flags().GetBool("group")
	qf.where, _ = cmd.Flags().GetStringArray("where")
	qf.or, _ = cmd.Flags().GetBool("or")
	qf.order, _ = cmd.Flags().GetStringArray("order")
	qf.limit, _ = cmd.Flags().GetInt("limit")
	qf.limitToLast, _ = cmd.Flags().GetInt("limit-to-last")
	qf.startAt, _ = cmd.Flags().GetStringArray("start-at")
	qf.startAfter, _ = cmd.Flags().GetStringArray("start-after")
	qf.endAt, _ = cmd.Flags().GetStringArray("end-at")
	qf.endBefore, _ = cmd.Flags().GetStringArray("end-before")
	return qf
}

// build turns the flags into a query on path.
func (qf queryFlags) build(c *client.Client, path string) (*client.Query, error) {
	var q *client.Query
	if qf.group {
		q = c.CollectionGroup(path)
	} else {
		q = &c.Collection(path).Query
	}

	if len(qf.where) > 0 {
		filters := make([]client.Filter, 0, len(qf.where))
		for _, w := range qf.where {
			clause, err := parseWhere(w)
			if err != nil {
				return nil, err
			}
			filters = append(filters, client.PropertyFilter{Path: clause.Path, Operator: clause.Op, Value: clause.Value})
		}
		switch {
		case len(filters) == 1:
			q = q.WhereFilter(filters[0])
		case qf.or:
			q = q.WhereFilter(client.OrFilter{Filters: filters})
		default:
			q = q.WhereFilter(client.AndFilter{Filters: filters})
		}
	}
	for _, o := range qf.order {
		field, dir, err := parseOrder(o)
		if err != nil {
			return nil, err
		}
		if field == "id" {
			field = client.DocumentID
		}
		q = q.OrderBy(field, dir)
	}

	cursors := []struct {
		values []string
		apply  func(q *client.Query, values ...any) *client.Query
	}{
		{qf.startAt, (*client.Query).StartAt},
		{qf.startAfter, (*client.Query).StartAfter},
		{qf.endAt, (*client.Query).EndAt},
		{qf.endBefore, (*client.Query).EndBefore},
	}
	for _, cur := range cursors {
		if len(cur.values) == 0 {
			continue
		}
		values := make([]any, len(cur.values))
		for i, v := range cur.values {
			values[i] = decodeValue(v)
		}
		q = cur.apply(q, values...)
	}

	switch {
	case qf.limit > 0 && qf.limitToLast > 0:
		return nil, fmt.Errorf("--limit and --limit-to-last cannot be combined")
	case qf.limit > 0:
		q = q.Limit(qf.limit)
	case qf.limitToLast > 0:
		q = q.LimitToLast(qf.limitToLast)
	}
	return q, q.Err()
}

var queryCmd = &cobra.Command{
	Use:     "query <collection-path>",
	GroupID: "docs",
	Short:   "Run a query against a collection",
	Long: `Run a query once and print the matching documents. Filters are written as
'field op value' where op is one of <, <=, ==, !=, >=, >, array-contains,
array-contains-any, in and not-in. Values are JSON; bare words are strings.
Use "id" as the field to filter or order by document id.

Examples:
  docsync query users --where 'age >= 18' --order 'age desc' --limit 10
  docsync query users --where 'city == Paris' --where 'city == Rome' --or
  docsync query users --where 'tags array-contains go'
  docsync query messages --group --order created --limit-to-last 5
  docsync query users --order name --start-after '"M"' --source cache`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		source, behavior, err := readFlags(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		c, err := openClient(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeClient(c, 0)

		p := printer{w: os.Stdout, format: outFormat}
		if err := runQuery(ctx, c, args[0], readQueryFlags(cmd), source, behavior, p); err != nil {
			fatalf("%v", err)
		}
	},
}

func runQuery(ctx context.Context, c *client.Client, path string, qf queryFlags, source client.Source,
	behavior client.ServerTimestampBehavior, p printer) error {
	q, err := qf.build(c, path)
	if err != nil {
		return err
	}
	snap, err := c.Get(ctx, q, source)
	if err != nil {
		return err
	}
	return p.query(newQueryRecord(snap, behavior, false))
}

var listenCmd = &cobra.Command{
	Use:     "listen <collection-path|doc-path>",
	GroupID: "docs",
	Short:   "Print snapshots of a document or query as they change",
	Long: `Listen to a document or a query and print a snapshot every time the results
change, until interrupted. The first snapshot may come from the local cache
before the backend answers. Query flags are the same as for 'docsync query'.

Examples:
  docsync listen users/alice
  docsync listen users --where 'age >= 18' --include-metadata
  docsync listen users --source cache -o json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		source, behavior, err := readFlags(cmd)
		if err != nil {
			fatalf("%v", err)
		}
		includeMeta, _ := cmd.Flags().GetBool("include-metadata")
		ctx, cancel := commandContext(cmd)
		defer cancel()

		c, err := openClient(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		defer closeClient(c, 0)

		fmt.Fprintf(os.Stderr, "%s Listening to %s. Press Ctrl+C to stop...\n", ui.RenderAccent("👂"), args[0])
		opts := client.ListenOptions{IncludeMetadataChanges: includeMeta, Source: source}
		p := printer{w: os.Stdout, format: outFormat}
		if err := runListen(ctx, c, args[0], readQueryFlags(cmd), opts, behavior, p); err != nil {
			closeClient(c, 0)
			fatalf("%v", err)
		}
	},
}

// runListen prints snapshots until ctx ends or the listener fails.
func runListen(ctx context.Context, c *client.Client, path string, qf queryFlags, opts client.ListenOptions,
	behavior client.ServerTimestampBehavior, p printer) error {
	var (
		mu      sync.Mutex
		failed  = make(chan error, 1)
		printed error
	)
	emit := func(print func() error, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil && printed == nil {
			printed = print()
			err = printed
		}
		if err != nil {
			select {
			case failed <- err:
			default:
			}
		}
	}

	var (
		stop func()
		err  error
	)
	if isDocPath(path) && !qf.group {
		stop, err = c.ListenDoc(c.Doc(path), opts, func(s *client.DocumentSnapshot, err error) {
			emit(func() error { return p.doc(newDocRecord(s, behavior)) }, err)
		})
	} else {
		var q *client.Query
		if q, err = qf.build(c, path); err != nil {
			return err
		}
		stop, err = c.Listen(q, opts, func(s *client.QuerySnapshot, err error) {
			emit(func() error { return p.query(newQueryRecord(s, behavior, true)) }, err)
		})
	}
	if err != nil {
		return err
	}
	defer stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("group", false, "Query every collection with this id instead of one collection path")
	cmd.Flags().StringArray("where", nil, "Filter 'field op value' (repeatable)")
	cmd.Flags().Bool("or", false, "Match documents that pass any --where instead of all")
	cmd.Flags().StringArray("order", nil, "Order by 'field [asc|desc]' (repeatable)")
	cmd.Flags().Int("limit", 0, "Return at most this many documents")
	cmd.Flags().Int("limit-to-last", 0, "Return the last this many documents; needs --order")
	cmd.Flags().StringArray("start-at", nil, "Cursor value to start at, one per --order field")
	cmd.Flags().StringArray("start-after", nil, "Cursor value to start after")
	cmd.Flags().StringArray("end-at", nil, "Cursor value to end at")
	cmd.Flags().StringArray("end-before", nil, "Cursor value to end before")
}

func init() {
	addQueryFlags(queryCmd)
	addReadFlags(queryCmd)
	addQueryFlags(listenCmd)
	addReadFlags(listenCmd)
	listenCmd.Flags().Bool("include-metadata", false, "Also print snapshots where only cache or pending state changed")

	rootCmd.AddCommand(queryCmd, listenCmd)
}
