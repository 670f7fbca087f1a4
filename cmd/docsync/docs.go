package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/docsync/internal/client"
	"github.com/steveyegge/docsync/internal/ui"
)

var getCmd = &cobra.Command{
	Use:     "get <doc-path>",
	GroupID: "docs",
	Short:   "Read one document",
	Long: `Read a document, from the backend when reachable and from the local cache
otherwise.

Examples:
  docsync get users/alice
  docsync get users/alice --source cache
  docsync get users/alice --server-timestamps estimate -o json`,
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

		if err := runGet(ctx, c, args[0], source, behavior, printer{w: os.Stdout, format: outFormat}); err != nil {
			fatalf("%v", err)
		}
	},
}

func runGet(ctx context.Context, c *client.Client, path string, source client.Source,
	behavior client.ServerTimestampBehavior, p printer) error {
	snap, err := c.GetDoc(ctx, c.Doc(path), source)
	if err != nil {
		return err
	}
	return p.doc(newDocRecord(snap, behavior))
}

var setCmd = &cobra.Command{
	Use:     "set <doc-path> [json|-]",
	GroupID: "docs",
	Short:   "Create or overwrite a document",
	Long: `Write a document from a JSON object, replacing its contents unless --merge
or --merge-field is given. Use "-" to read the JSON from stdin.

The write lands in the local cache first and is sent to the backend. The
command waits up to --timeout for the backend to accept it; a write that is
still pending stays queued in the cache and is sent by the next client.

Examples:
  docsync set users/alice '{"name":"Alice","age":30}'
  docsync set users/alice '{"age":31}' --merge
  docsync set events/e1 '{}' --ts at="tomorrow at 9am" --server-timestamp created
  echo '{"n":1}' | docsync set counters/c -`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		data, ff, timeout := writeInput(cmd, args)
		merge, _ := cmd.Flags().GetBool("merge")
		mergeFields, _ := cmd.Flags().GetStringSlice("merge-field")

		mods, err := ff.values(time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		for field, v := range mods {
			setPath(data, field, v)
		}
		var opts []client.SetOption
		switch {
		case len(mergeFields) > 0:
			opts = append(opts, client.MergeFields(mergeFields...))
		case merge:
			opts = append(opts, client.Merge)
		}

		runWrite(cmd, timeout, args[0], func(b *client.WriteBatch, ref *client.DocumentRef) {
			b.Set(ref, data, opts...)
		})
	},
}

var updateCmd = &cobra.Command{
	Use:     "update <doc-path> [json|-]",
	GroupID: "docs",
	Short:   "Change fields of an existing document",
	Long: `Update fields of a document that must already exist. Keys of the JSON object
are dotted field paths, so {"address.city":"Paris"} changes one nested field.

Examples:
  docsync update users/alice '{"age":31}'
  docsync update users/alice --increment visits=1 --delete-field nickname
  docsync update users/alice --server-timestamp seen`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		data, ff, timeout := writeInput(cmd, args)
		mods, err := ff.values(time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		for field, v := range mods {
			data[field] = v
		}
		if len(data) == 0 {
			fatalf("nothing to update")
		}
		updates := client.UpdatesFromMap(data)

		runWrite(cmd, timeout, args[0], func(b *client.WriteBatch, ref *client.DocumentRef) {
			b.Update(ref, updates)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <doc-path>",
	GroupID: "docs",
	Short:   "Delete a document",
	Long: `Delete a document. Deleting a missing document succeeds unless --must-exist
is given.

Examples:
  docsync delete users/alice
  docsync delete users/alice --must-exist`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		mustExist, _ := cmd.Flags().GetBool("must-exist")
		runWrite(cmd, timeout, args[0], func(b *client.WriteBatch, ref *client.DocumentRef) {
			if mustExist {
				b.Delete(ref, client.Exists(true))
				return
			}
			b.Delete(ref)
		})
	},
}

// writeInput reads the JSON argument and the field modifier flags.
func writeInput(cmd *cobra.Command, args []string) (map[string]any, fieldFlags, time.Duration) {
	arg := ""
	if len(args) == 2 {
		arg = args[1]
	}
	data, err := decodeData(arg, os.Stdin)
	if err != nil {
		fatalf("%v", err)
	}
	var ff fieldFlags
	ff.timestamps, _ = cmd.Flags().GetStringArray("ts")
	ff.serverTimestamp, _ = cmd.Flags().GetStringArray("server-timestamp")
	ff.increments, _ = cmd.Flags().GetStringArray("increment")
	ff.deletes, _ = cmd.Flags().GetStringArray("delete-field")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return data, ff, timeout
}

func runWrite(cmd *cobra.Command, timeout time.Duration, path string, build func(*client.WriteBatch, *client.DocumentRef)) {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	c, err := openClient(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	defer closeClient(c, 0)

	acked, err := writeAndWait(ctx, c, path, timeout, build)
	if err != nil {
		closeClient(c, 0)
		fatalf("%v", err)
	}
	reportWrite(os.Stdout, path, acked)
}

// writeAndWait applies one batch locally and waits up to timeout for the
// backend. It reports whether the backend acknowledged the batch. A
// rejection is returned as an error.
func writeAndWait(ctx context.Context, c *client.Client, path string, timeout time.Duration,
	build func(*client.WriteBatch, *client.DocumentRef)) (bool, error) {
	b := c.Batch()
	build(b, c.Doc(path))
	pw, err := b.Enqueue(ctx)
	if err != nil {
		return false, err
	}
	if timeout <= 0 {
		return false, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	switch err := pw.Wait(waitCtx); {
	case err == nil:
		return true, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return false, nil
	default:
		return false, fmt.Errorf("write to %s rejected: %w", path, err)
	}
}

func reportWrite(w io.Writer, path string, acked bool) {
	if acked {
		fmt.Fprintf(w, "%s Wrote %s\n", ui.RenderPass("✓"), path)
		return
	}
	fmt.Fprintf(w, "%s Wrote %s locally; it will be sent when the backend is reachable\n", ui.RenderWarn("⚠"), path)
}

// readFlags parses the flags shared by the reading commands.
func readFlags(cmd *cobra.Command) (client.Source, client.ServerTimestampBehavior, error) {
	s, _ := cmd.Flags().GetString("source")
	source, err := client.ParseSource(s)
	if err != nil {
		return 0, 0, err
	}
	b, _ := cmd.Flags().GetString("server-timestamps")
	behavior, err := client.ParseServerTimestampBehavior(b)
	if err != nil {
		return 0, 0, err
	}
	return source, behavior, nil
}

func addReadFlags(cmd *cobra.Command) {
	cmd.Flags().String("source", "default", "Where to read from: default, server or cache")
	cmd.Flags().String("server-timestamps", "none", "How pending server timestamps read: none, estimate or previous")
}

func addWriteFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 10*time.Second, "How long to wait for the backend to accept the write (0: do not wait)")
	if strings.HasPrefix(cmd.Use, "delete") {
		return
	}
	cmd.Flags().StringArray("ts", nil, "Set field=time; time is RFC 3339 or English like \"in 2 hours\"")
	cmd.Flags().StringArray("server-timestamp", nil, "Set a field to the commit time")
	cmd.Flags().StringArray("increment", nil, "Add a number to a field: field=n")
	cmd.Flags().StringArray("delete-field", nil, "Remove a field")
}

func init() {
	addReadFlags(getCmd)
	addWriteFlags(setCmd)
	setCmd.Flags().Bool("merge", false, "Merge into the existing document instead of replacing it")
	setCmd.Flags().StringSlice("merge-field", nil, "Merge only these field paths")
	addWriteFlags(updateCmd)
	addWriteFlags(deleteCmd)
	deleteCmd.Flags().Bool("must-exist", false, "Fail if the document does not exist")

	rootCmd.AddCommand(getCmd, setCmd, updateCmd, deleteCmd)
}
