package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	appEngine "github.com/taskerino/backend/internal/application/engine"
	"github.com/taskerino/backend/internal/infrastructure/config"
	"github.com/taskerino/backend/internal/infrastructure/singleton"
	"github.com/taskerino/backend/internal/wire"
)

type rootOptions struct {
	dataDir    string
	backend    string
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "storectl",
		Short:         "Maintain a Taskerino data directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (default $TASKERINO_DATA_DIR or ~/.taskerino)")
	cmd.PersistentFlags().StringVar(&opts.backend, "backend", "", "storage backend: file, sqlite or memory")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default <data-dir>/config.yaml)")

	cmd.AddCommand(
		newStatsCmd(opts),
		newGCCmd(opts),
		newVerifyCmd(opts),
		newRebuildCmd(opts),
		newRecoverCmd(opts),
		newCheckpointCmd(opts),
		newCompressCmd(opts),
		newMigrateCmd(opts),
	)
	return cmd
}

// loadConfig 命令行参数优先于配置文件和环境变量
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		dir := o.dataDir
		if dir == "" {
			dir = config.GetDataDir()
		}
		path = filepath.Join(dir, "config.yaml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if o.dataDir != "" {
		cfg.Storage.DataDir = o.dataDir
	}
	if o.backend != "" {
		cfg.Storage.Backend = o.backend
	}
	return cfg, nil
}

// withEngine 锁定数据目录并初始化引擎，fn 返回后排空队列并关闭
func (o *rootOptions) withEngine(ctx context.Context, fn func(e *appEngine.Engine) error) (err error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	lock, err := singleton.LockDataDir(cfg.ResolvedDataDir())
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	e, err := wire.InitializeEngine(cfg)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	defer func() {
		if shutdownErr := e.Shutdown(context.Background()); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}()

	if err := e.Init(ctx); err != nil {
		return err
	}
	return fn(e)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
