package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/ledgerwatch/log/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	kvmdbx "github.com/AndreaLanfranchi/silkworm/db/kv/mdbx"
	"github.com/AndreaLanfranchi/silkworm/eth/stagedsync"
	"github.com/AndreaLanfranchi/silkworm/eth/stagedsync/stages"
	"github.com/AndreaLanfranchi/silkworm/execution/chain"
	"github.com/AndreaLanfranchi/silkworm/node/nodecfg"
)

var (
	datadirFlag   string
	chainFlag     string
	chainSpecFlag string
	batchSizeFlag string
	verbosityFlag int
	configFlag    string

	toBlockFlag    uint64
	unwindToFlag   uint64
	pruneFromFlag  uint64
	noBadBlockHalt bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "silkworm",
		Short:        "silkworm staged sync tooling",
		SilenceUsage: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&datadirFlag, "datadir", "./data", "data directory for the database")
	flags.StringVar(&chainFlag, "chain", "mainnet", "name of the network to join")
	flags.StringVar(&chainSpecFlag, "chain.spec", "", "path to a custom chain specification (json)")
	flags.StringVar(&batchSizeFlag, "batchSize", nodecfg.DefaultBatchSize.String(), "batch size for the recovery pipeline, e.g. 512MB")
	flags.IntVar(&verbosityFlag, "verbosity", int(log.LvlInfo), "log verbosity (0=crit .. 5=trace)")
	flags.StringVar(&configFlag, "config", "", "TOML configuration file (flags win over file values)")

	rootCmd.AddCommand(sendersCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(int(stagedsync.ClassifyResult(err)))
	}
}

func sendersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "senders",
		Short: "sender recovery stage",
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "recover transaction senders up to the upstream stages' progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStageEnv(cmd.Flags(), func(env *stageEnv) error {
				s := &stagedsync.StageState{ID: stages.Senders}
				return stagedsync.SpawnRecoverSendersStage(env.cfg, s, nil, toBlockFlag, env.quit, env.logger)
			})
		},
	}
	recoverCmd.Flags().Uint64Var(&toBlockFlag, "to", 0, "cap the target block height (0 = upstream progress)")
	recoverCmd.Flags().BoolVar(&noBadBlockHalt, "no-bad-block-halt", false, "write a zero sender and continue when a public key can not be recovered")

	unwindCmd := &cobra.Command{
		Use:   "unwind",
		Short: "roll the senders table back to a block height",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStageEnv(cmd.Flags(), func(env *stageEnv) error {
				u := &stagedsync.UnwindState{ID: stages.Senders, UnwindPoint: unwindToFlag}
				return stagedsync.UnwindSendersStage(u, nil, env.cfg, env.quit)
			})
		},
	}
	unwindCmd.Flags().Uint64Var(&unwindToFlag, "to", 0, "block height to unwind to")

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "delete sender rows below a block height",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStageEnv(cmd.Flags(), func(env *stageEnv) error {
				p := &stagedsync.PruneState{ID: stages.Senders, PruneFrom: pruneFromFlag}
				return stagedsync.PruneSendersStage(p, nil, env.cfg, env.quit)
			})
		},
	}
	pruneCmd.Flags().Uint64Var(&pruneFromFlag, "from", 0, "delete sender rows below this block height")

	cmd.AddCommand(recoverCmd, unwindCmd, pruneCmd)
	return cmd
}

type stageEnv struct {
	cfg    stagedsync.SendersCfg
	quit   <-chan struct{}
	logger log.Logger
}

func withStageEnv(flags *pflag.FlagSet, run func(env *stageEnv) error) error {
	if configFlag != "" {
		fileCfg, err := nodecfg.LoadFileConfig(configFlag)
		if err != nil {
			return err
		}
		applyFileConfig(flags, fileCfg)
	}

	logger := log.New()
	logger.SetHandler(log.LvlFilterHandler(log.Lvl(verbosityFlag), log.StderrHandler))

	settings := nodecfg.DefaultSettings(datadirFlag)
	settings.BadBlockHalt = !noBadBlockHalt
	if err := settings.BatchSize.UnmarshalText([]byte(batchSizeFlag)); err != nil {
		return fmt.Errorf("invalid --batchSize: %w", err)
	}
	chainConfig, err := resolveChainConfig()
	if err != nil {
		return err
	}
	settings.ChainConfig = chainConfig
	if err := settings.Dirs.MustExist(); err != nil {
		return err
	}

	// one process per data directory
	dirLock := flock.New(filepath.Join(settings.Dirs.DataDir, "LOCK"))
	locked, err := dirLock.TryLock()
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("data directory %s is used by another process", settings.Dirs.DataDir)
	}
	defer dirLock.Unlock() //nolint:errcheck

	db, err := kvmdbx.NewMDBX(logger).Path(settings.Dirs.Chaindata).Open()
	if err != nil {
		return err
	}
	defer db.Close()

	quit := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("Got interrupt, shutting down...")
		close(quit)
	}()

	env := &stageEnv{
		cfg:    stagedsync.StageSendersCfg(db, settings.ChainConfig, settings.BatchSize, settings.BadBlockHalt, settings.Dirs.Tmp),
		quit:   quit,
		logger: logger,
	}
	if err := run(env); err != nil {
		result := stagedsync.ClassifyResult(err)
		logger.Error("stage failed", "result", result, "err", err)
		return err
	}
	return nil
}

func applyFileConfig(flags *pflag.FlagSet, fileCfg *nodecfg.FileConfig) {
	if fileCfg.DataDir != "" && !flags.Changed("datadir") {
		datadirFlag = fileCfg.DataDir
	}
	if fileCfg.Chain != "" && !flags.Changed("chain") {
		chainFlag = fileCfg.Chain
	}
	if fileCfg.BatchSize != "" && !flags.Changed("batchSize") {
		batchSizeFlag = fileCfg.BatchSize
	}
	if fileCfg.Verbosity != nil && !flags.Changed("verbosity") {
		verbosityFlag = *fileCfg.Verbosity
	}
}

func resolveChainConfig() (*chain.Config, error) {
	if chainSpecFlag != "" {
		data, err := os.ReadFile(chainSpecFlag)
		if err != nil {
			return nil, err
		}
		return chain.ReadChainSpec(data)
	}
	if config := chain.KnownChain(chainFlag); config != nil {
		return config, nil
	}
	return nil, fmt.Errorf("unknown chain %q and no --chain.spec given", chainFlag)
}
