package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/archive"
	"github.com/sells-group/feedback-cli/internal/export"
)

var (
	exportOut    string
	exportLimit  int
	exportUpload bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write recent summaries, the latest insight, and sentiment totals to an Excel workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		report, err := export.Collect(ctx, st, exportLimit)
		if err != nil {
			return err
		}
		if err := export.WriteXLSX(exportOut, report); err != nil {
			return err
		}
		zap.L().Info("export written",
			zap.String("path", exportOut),
			zap.Int("summaries", len(report.Summaries)),
		)
		fmt.Fprintln(os.Stdout, exportOut)

		if !exportUpload {
			return nil
		}
		if cfg.Archive.Endpoint == "" {
			return eris.New("--upload requires archive.endpoint")
		}
		a, err := archive.New(ctx, archive.Options{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return err
		}
		key, err := a.UploadFile(ctx, exportOut)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "uploaded to s3://%s/%s\n", cfg.Archive.Bucket, key)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "feedback-report.xlsx", "output workbook path")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 100, "max number of source summaries to include")
	exportCmd.Flags().BoolVar(&exportUpload, "upload", false, "also upload the workbook to the archive bucket")
	rootCmd.AddCommand(exportCmd)
}
