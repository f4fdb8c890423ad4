package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/feedback-cli/internal/ingest"
	"github.com/sells-group/feedback-cli/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load feedback into the store",
}

// -- ingest feeds --

var ingestFeedsPath string

var ingestFeedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Poll the configured RSS/Atom feeds",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if ingestFeedsPath != "" {
			cfg.Ingest.FeedsFile = ingestFeedsPath
		}
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		feeds, err := ingest.LoadFeeds(cfg.Ingest.FeedsFile)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := ingest.NewIngester(st).IngestAll(ctx, feeds)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "feeds: %d (%d failed), entries read: %d, new feedback: %d\n",
			stats.Feeds, stats.Failed, stats.Read, stats.Inserted)
		return nil
	},
}

// -- ingest file --

var ingestFileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Import feedback rows from a .csv or .xlsx file",
	Long:  "Imports rows with required source and content columns. An external_id column deduplicates rows per source; other columns are kept as metadata.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := ingest.ImportFile(ctx, st, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "imported %d new feedback items\n", n)
		return nil
	},
}

// -- ingest add --

var ingestAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a single feedback item",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		source, _ := cmd.Flags().GetString("source")
		content, _ := cmd.Flags().GetString("content")
		externalID, _ := cmd.Flags().GetString("external-id")
		if source == "" || content == "" {
			return eris.New("--source and --content are required")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		item := &model.FeedbackItem{Source: source, Content: content, ExternalID: externalID}
		created, err := st.InsertFeedback(ctx, item)
		if err != nil {
			return eris.Wrap(err, "ingest add")
		}
		if !created {
			fmt.Fprintln(os.Stdout, "duplicate, not added")
			return nil
		}
		fmt.Fprintln(os.Stdout, item.ID)
		return nil
	},
}

func init() {
	ingestFeedsCmd.Flags().StringVar(&ingestFeedsPath, "feeds", "", "feeds YAML file (default from config)")

	ingestAddCmd.Flags().String("source", "", "feedback source, e.g. app_store")
	ingestAddCmd.Flags().String("content", "", "feedback text")
	ingestAddCmd.Flags().String("external-id", "", "source-specific ID used for deduplication")

	ingestCmd.AddCommand(ingestFeedsCmd)
	ingestCmd.AddCommand(ingestFileCmd)
	ingestCmd.AddCommand(ingestAddCmd)
	rootCmd.AddCommand(ingestCmd)
}
