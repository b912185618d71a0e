package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/store"
)

// ProvenanceOptions holds flags for the provenance command.
type ProvenanceOptions struct {
	*RootOptions
	Database string
}

// ProvenanceRecord is one row of provenance output.
type ProvenanceRecord struct {
	Inode       uint64 `json:"inode"`
	Crtime      int64  `json:"crtime"`
	SourceURL   string `json:"source_url"`
	ReferrerURL string `json:"referrer_url,omitempty"`
}

// NewProvenanceCommand creates the provenance command.
func NewProvenanceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProvenanceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "provenance [inode...]",
		Short: "Show recorded file origins",
		Long: `Read provenance entries directly from a database file.

Without arguments every entry is listed. Each argument is an inode; the
newest entry for that inode is shown.

Example:
  dlpd provenance --db /var/lib/dlpd/provenance.db
  dlpd provenance --db ./dlp.db --format json 1234 5678`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvenance(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite provenance database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runProvenance(opts *ProvenanceOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	ids := make([]fileid.ID, 0, len(args))
	for _, arg := range args {
		inode, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || inode == 0 {
			return fail(formatter, CodeBadArgument, WrapExitError(ExitCommandError, fmt.Sprintf("invalid inode %q", arg), err))
		}
		ids = append(ids, fileid.ID{Inode: inode})
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return fail(formatter, CodeOpenDatabase, WrapExitError(ExitCommandError, "failed to open database", err))
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var entries []store.FileEntry
	if len(ids) == 0 {
		entries, err = st.ListEntries(ctx)
	} else {
		var found map[fileid.ID]store.FileEntry
		found, err = st.GetEntriesByIDs(ctx, ids, true)
		for _, id := range ids {
			if e, ok := found[id]; ok {
				entries = append(entries, e)
			}
		}
	}
	if err != nil {
		return fail(formatter, CodeReadStore, WrapExitError(ExitFailure, "failed to read provenance", err))
	}
	formatter.VerboseLog("read %d entries from %s", len(entries), opts.Database)

	records := make([]ProvenanceRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, ProvenanceRecord{
			Inode:       e.ID.Inode,
			Crtime:      e.ID.Crtime,
			SourceURL:   e.SourceURL,
			ReferrerURL: e.ReferrerURL,
		})
	}

	return output(formatter, opts.Format, records, formatProvenanceText(records))
}

func formatProvenanceText(records []ProvenanceRecord) string {
	if len(records) == 0 {
		return "No provenance entries."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "provenance entries: %d", len(records))
	for _, r := range records {
		fmt.Fprintf(&b, "\n  %d:%d  %s", r.Inode, r.Crtime, r.SourceURL)
		if r.ReferrerURL != "" {
			fmt.Fprintf(&b, "  (referrer %s)", r.ReferrerURL)
		}
	}
	return b.String()
}
