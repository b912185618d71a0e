package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/store"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Database string
	Root     string
}

// MigrateResult is the outcome of an offline migration.
type MigrateResult struct {
	LegacyTable bool `json:"legacy_table"`
	Migrated    int  `json:"migrated"`
	Dropped     int  `json:"dropped"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate a legacy provenance table offline",
		Long: `Move entries from the legacy inode-only table into the current schema.

The DLP root is walked to recover each file's creation time; entries for
files no longer on disk are dropped. The daemon does the same at startup,
so this is only needed to migrate a database without running it.

Example:
  dlpd migrate --db /var/lib/dlpd/provenance.db --root /home/user/MyFiles`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite provenance database (required)")
	cmd.Flags().StringVar(&opts.Root, "root", "", "DLP root directory (required)")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("root")

	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return fail(formatter, CodeOpenDatabase, WrapExitError(ExitCommandError, "failed to open database", err))
	}
	defer st.Close()

	present, err := st.LegacyTablePresent(ctx)
	if err != nil {
		return fail(formatter, CodeReadStore, WrapExitError(ExitFailure, "failed to inspect database", err))
	}
	if !present {
		return output(formatter, opts.Format, MigrateResult{}, "No legacy table; nothing to migrate.")
	}

	listing, err := fileid.Walk(opts.Root)
	if err != nil {
		return fail(formatter, CodeWalkRoot, WrapExitError(ExitCommandError, "failed to walk root", err))
	}
	formatter.VerboseLog("found %d files under %s", len(listing.IDs), opts.Root)

	report, err := st.Migrate(ctx, listing.IDs)
	if err != nil {
		return fail(formatter, CodeMigrate, WrapExitError(ExitFailure, "migration failed", err))
	}

	res := MigrateResult{LegacyTable: true, Migrated: report.Migrated, Dropped: report.Dropped}
	return output(formatter, opts.Format, res,
		fmt.Sprintf("Migrated %d legacy entries, dropped %d for files no longer on disk.", report.Migrated, report.Dropped))
}

// output writes data as JSON, or text otherwise.
func output(f *OutputFormatter, format string, data any, text string) error {
	if format == "json" {
		return f.Success(data)
	}
	return f.Success(text)
}
