package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/logrecorder"
	"github.com/LoveWonYoung/osycomm/tp"
)

// app is the state shared by all subcommands.
type app struct {
	v        *viper.Viper
	cfg      fileConfig
	logger   *zap.Logger
	closeLog func()
}

func newApp() *app {
	return &app{v: viper.New(), logger: zap.NewNop(), closeLog: func() {}}
}

func newRoot(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "osydiag",
		Short:         "Diagnose openSYDE style CAN and Ethernet networks",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	f := cmd.PersistentFlags()
	f.String("config", "", "System definition and settings (yaml, toml or json)")
	f.String("log.dir", "", "Write JSON logs below this directory")
	f.String("log.level", "info", "Log level (debug|info|warn|error)")
	f.Bool("log.console", false, "Also log to stderr")
	f.String("metrics_addr", "", "Serve Prometheus metrics on this address")
	f.String("can.iface", "", "SocketCAN interface, e.g. can0")
	f.Bool("can.virtual", false, "Use an in-memory CAN bus")
	f.Int("client.bus", 0, "Index of the bus the client is connected to")
	f.Uint8("client.node_id", tp.MaxNodeID, "Node ID of the client")
	f.String("keys_dir", "", "Directory of PEM files for secure security access")
	if err := a.v.BindPFlags(f); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		newScan(a),
		newRoute(a),
		newSession(a),
	)
	return cmd
}

func (a *app) setup() error {
	a.v.SetEnvPrefix("OSYDIAG")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()
	if path := a.v.GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", path)
		}
	}
	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closeLog, err := logrecorder.New(logrecorder.Options{
		Dir:      cfg.Log.Dir,
		Name:     "osydiag_",
		Rotation: cfg.Log.Rotation,
		Level:    cfg.Log.Level,
		Console:  cfg.Log.Console,
	})
	if err != nil {
		return errors.Wrap(err, "set up logging")
	}
	a.logger, a.closeLog = logger, closeLog
	return nil
}
