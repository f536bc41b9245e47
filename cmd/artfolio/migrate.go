package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nao1215/artfolio/internal/logging"
	"github.com/nao1215/artfolio/internal/platform/local"
)

const defaultLocalDSN = "file:artfolio.db"

func newMigrateCmd() *cobra.Command {
	var (
		dsn    string
		status bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "ローカルドライバのデータベースにマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := local.Open(ctx, dsn)
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if status {
				versions, err := local.MigrationStatus(ctx, db)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED AT")
				for _, v := range versions {
					appliedAt := "-"
					if v.Applied {
						appliedAt = v.AppliedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%06d\t%s\t%s\n", v.Number, v.Name, appliedAt)
				}
				return w.Flush()
			}

			logger, err := logging.New("info", "console")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			n, err := local.Migrate(ctx, db, logger)
			if err != nil {
				return err
			}
			logger.Info("マイグレーションが完了しました", zap.Int("applied", n), zap.String("dsn", dsn))
			_, err = fmt.Fprintf(out, "%d件のマイグレーションを適用しました\n", n)
			return err
		},
	}

	def := os.Getenv("PLATFORM_LOCAL_DSN")
	if def == "" {
		def = defaultLocalDSN
	}
	cmd.Flags().StringVar(&dsn, "dsn", def, "SQLiteのDSN")
	cmd.Flags().BoolVar(&status, "status", false, "適用状態を表示して終了する")
	return cmd
}
