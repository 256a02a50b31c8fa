package commands

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/marmos91/blockcdp/internal/logger"
	"github.com/marmos91/blockcdp/pkg/config"
	"github.com/marmos91/blockcdp/pkg/metrics"
	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/server/archive"
	"github.com/marmos91/blockcdp/pkg/server/proxy"
	"github.com/marmos91/blockcdp/pkg/server/storage"
)

// Default ports follow the storage/proxy/archive ordering.
const (
	defaultStoragePort = 10000
	defaultProxyPort   = 10100
	defaultArchivePort = 10200
)

// bindDaemonFlags attaches the shared daemon flags to a command and
// binds them to viper keys.
func bindDaemonFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.StringP("base-dir", "b", "", "base directory for volume data")
	f.IntP("port", "p", 0, "listen port (overrides listen address)")
	f.StringP("log-file", "l", "", "log output (stdout, stderr, or a file path)")
	f.String("id", "", "node id on the wire protocol")
	f.Bool("ka", false, "enable TCP keepalive instead of socket timeouts")
	f.Duration("kaidle", 0, "keepalive idle period")
	f.Duration("kaintvl", 0, "keepalive probe interval")
	f.Int("kacnt", 0, "keepalive probe count")
	f.String("metrics", "", "prometheus metrics listen address")

	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(v.BindPFlag("base_dir", f.Lookup("base-dir")))
	must(v.BindPFlag("logging.output", f.Lookup("log-file")))
	must(v.BindPFlag("node_id", f.Lookup("id")))
	must(v.BindPFlag("socket.keepalive", f.Lookup("ka")))
	must(v.BindPFlag("socket.keepalive_idle", f.Lookup("kaidle")))
	must(v.BindPFlag("socket.keepalive_intvl", f.Lookup("kaintvl")))
	must(v.BindPFlag("socket.keepalive_cnt", f.Lookup("kacnt")))
	must(v.BindPFlag("metrics_listen", f.Lookup("metrics")))
}

// loadDaemonConfig resolves the effective configuration of one daemon
// invocation.
func loadDaemonConfig(cmd *cobra.Command, v *viper.Viper, nodeID string, port int) (config.Config, error) {
	defaults := config.Default(nodeID, port)
	cfg, err := config.Load(v, cfgFile, defaults)
	if err != nil {
		return config.Config{}, err
	}
	if p, err := cmd.Flags().GetInt("port"); err == nil && p != 0 {
		cfg.Listen = fmt.Sprintf("0.0.0.0:%d", p)
	}
	return cfg, nil
}

// runDaemon performs the shared daemon bootstrap and blocks in serve.
func runDaemon(cfg config.Config, srv *server.Server, serve func() error) error {
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return fmt.Errorf("create base dir: %w", err)
	}
	if cfg.MetricsListen != "" {
		metrics.InitRegistry()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logger.Warn("metrics server", logger.KeyError, err.Error())
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", "signal", sig.String())
		srv.RequestShutdown(sig == syscall.SIGINT)
	}()

	return serve()
}

var (
	storageViper = viper.New()
	proxyViper   = viper.New()
	archiveViper = viper.New()
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Run the storage daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDaemonConfig(cmd, storageViper, "storage0", defaultStoragePort)
		if err != nil {
			return err
		}
		d := storage.New(cfg)
		return runDaemon(cfg, d.Server(), d.Server().Serve)
	},
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the proxy daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDaemonConfig(cmd, proxyViper, "proxy0", defaultProxyPort)
		if err != nil {
			return err
		}
		d := proxy.New(cfg)
		return runDaemon(cfg, d.Server(), d.Run)
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Run the archive daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDaemonConfig(cmd, archiveViper, "archive0", defaultArchivePort)
		if err != nil {
			return err
		}
		d := archive.New(cfg)
		return runDaemon(cfg, d.Server(), d.Server().Serve)
	},
}

func init() {
	bindDaemonFlags(storageCmd, storageViper)
	bindDaemonFlags(proxyCmd, proxyViper)
	bindDaemonFlags(archiveCmd, archiveViper)

	storageCmd.Flags().String("archive", "", "archive address (host:port)")
	storageCmd.Flags().StringSlice("proxies", nil, "proxy addresses (host:port, repeatable)")
	_ = storageViper.BindPFlag("storage.archive", storageCmd.Flags().Lookup("archive"))
	_ = storageViper.BindPFlag("storage.proxies", storageCmd.Flags().Lookup("proxies"))
}
