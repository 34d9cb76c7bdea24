package main

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/vesting-engine/config"
	"github.com/warp/vesting-engine/custody"
	"github.com/warp/vesting-engine/store/leveldb"
	"github.com/warp/vesting-engine/store/sqlite"
	"github.com/warp/vesting-engine/vesting"
	"github.com/warp/vesting-engine/vesting/store"
)

// app is everything a command needs once config is loaded.
type app struct {
	cfg    config.Config
	log    *logrus.Logger
	store  vesting.TxStore
	bank   *custody.Bank
	engine *vesting.Engine
	closer io.Closer
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:          "server",
		Short:        "Vesting engine",
		Long:         `Locks tokens for a recipient and releases them on a schedule.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "Config file (yaml, json or toml)")
	root.PersistentFlags().String("driver", "", "Storage driver: memory, sqlite, leveldb")
	root.PersistentFlags().String("path", "", "Storage path for sqlite or leveldb")
	root.PersistentFlags().StringP("log-level", "v", "", "Logging verbosity: panic, fatal, error, warn, info, debug, trace")

	_ = v.BindPFlag("storage.driver", root.PersistentFlags().Lookup("driver"))
	_ = v.BindPFlag("storage.path", root.PersistentFlags().Lookup("path"))
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	serve := newServeCmd(v)
	root.AddCommand(serve, newReconcileCmd(v))

	// Running without a subcommand serves.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

// setup loads config and builds the engine over the configured store.
func setup(cmd *cobra.Command, v *viper.Viper) (*app, error) {
	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, file)
	if err != nil {
		return nil, err
	}
	log := cfg.NewLogger()

	limits, err := cfg.Limits()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, bank: custody.NewBank()}
	if err := a.openStore(); err != nil {
		return nil, err
	}

	a.engine = vesting.NewEngine(a.store, a.bank, limits, logrus.NewEntry(log), cfg.AdminAddresses()...)
	log.WithFields(logrus.Fields{
		"driver": cfg.Storage.Driver,
		"path":   cfg.Storage.Path,
		"admins": len(cfg.Engine.Admins),
	}).Info("engine ready")
	return a, nil
}

func (a *app) openStore() error {
	s := a.cfg.Storage
	switch s.Driver {
	case "memory":
		a.store = store.NewTxMemory()
	case "sqlite":
		db, err := sqlite.New(s.Path)
		if err != nil {
			return fmt.Errorf("failed to open sqlite %s: %w", s.Path, err)
		}
		a.store, a.closer = db, db
	case "leveldb":
		db, err := leveldb.New(s.Path, s.CacheSize)
		if err != nil {
			return fmt.Errorf("failed to open leveldb %s: %w", s.Path, err)
		}
		a.store, a.closer = db, db
	default:
		return fmt.Errorf("unknown storage driver %q", s.Driver)
	}
	return nil
}

func (a *app) Close() {
	if a.closer == nil {
		return
	}
	if err := a.closer.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close store")
	}
}
