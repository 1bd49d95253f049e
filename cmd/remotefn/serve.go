package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/remotefn/internal/devserver"
	"github.com/seantiz/remotefn/internal/store"
)

func serveCmd(a *app) *cobra.Command {
	var (
		author      string
		dbPath      string
		unavailable int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local emulation of the function service with stub functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.MasterKey == "" {
				return errors.New("a master key is required (--master-key or REMOTEFN_MASTER_KEY)")
			}

			db, err := store.NewSQLiteStore(dbPath)
			if err != nil {
				return fmt.Errorf("open server journal: %w", err)
			}
			defer db.Close()

			reg := devserver.NewRegistry()
			devserver.RegisterDefaults(reg, author)

			var keys []string
			if a.cfg.APIKey != "" {
				keys = append(keys, a.cfg.APIKey)
			}
			eng := devserver.NewEngine(reg, db, a.logger)
			srv := devserver.NewServer(a.cfg.ListenAddr, eng, devserver.NewKeyStore(a.cfg.MasterKey, keys...), db, a.logger)
			srv.InjectUnavailable(unavailable)

			for _, fn := range reg.List() {
				a.logger.Info("hosting function", "uid", fn.UID, "inputs", fn.Config.InputIDs())
			}
			return srv.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&author, "author", devserver.DefaultAuthor, "author the stub functions are published under")
	cmd.Flags().StringVar(&dbPath, "db", ":memory:", "SQLite path for the server's own execution records")
	cmd.Flags().IntVar(&unavailable, "unavailable", 0, "answer the first n function requests with 503")
	return cmd
}
