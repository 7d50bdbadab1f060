package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/comdriver"
	"github.com/LoveWonYoung/osycomm/pemdb"
	"github.com/LoveWonYoung/osycomm/uds"
)

func newSession(a *app) *cobra.Command {
	var flags struct {
		session  uint8
		level    uint8
		hold     time.Duration
		interval time.Duration
	}
	cmd := &cobra.Command{
		Use:   "session <node>",
		Short: "Route to a node, change its session and unlock a security level",
		Long: `'session' activates the routers on the best route to the node, requests
the diagnostic session and, for a non-zero level, performs security access.
Nodes running secure need the PEM file of their certificate in keys_dir.

With --hold the session is kept alive with tester present until the time is
up or the command is interrupted. Routing is deactivated afterwards.`,
		Args: cobra.ExactArgs(1),
		Example: `  osydiag session --config system.yaml Gateway --level 1
  osydiag session --config system.yaml 3 --session 0x60 --level 5 --hold 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := a.cfg.nodeIndex(args[0])
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return a.run(cmd.Context(), func(ctx context.Context, s *stack) error {
				drv, err := a.newDriver(s)
				if err != nil {
					return err
				}
				if err := drv.Init(a.cfg.Client.Bus, a.cfg.allActive()); err != nil {
					return errors.Wrap(err, "init communication driver")
				}
				defer drv.DisconnectAll()

				table := newTable(cmd.OutOrStdout(), "Step", "Result")
				defer table.Render()

				failure, err := drv.StartRouting(target)
				table.Append([]string{"routing", status(err)})
				if failure != nil {
					return errors.Wrapf(err, "blamed on %s", a.cfg.Topology.Nodes[failure.Node].Name)
				}
				if err != nil {
					return err
				}
				defer func() {
					table.Append([]string{"stop routing", status(drv.StopRouting(target))})
				}()

				err = drv.SetSessionAndSecurityLevel(target, flags.session, flags.level)
				table.Append([]string{fmt.Sprintf("session 0x%02X level %d", flags.session, flags.level), status(err)})
				if err != nil {
					return err
				}
				if svc, err := drv.Service(target); err == nil {
					if active, err := svc.ReadActiveDiagnosticSession(); err == nil {
						table.Append([]string{"active session", fmt.Sprintf("0x%02X", active)})
					}
				}
				if flags.hold > 0 {
					err := holdSession(ctx, drv, target, flags.hold, flags.interval, a.logger)
					table.Append([]string{fmt.Sprintf("hold %s", flags.hold), status(err)})
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint8Var(&flags.session, "session", uds.SessionExtendedDiagnostic, "Diagnostic session to request")
	cmd.Flags().Uint8Var(&flags.level, "level", 0, "Security level to unlock, 0 skips security access")
	cmd.Flags().DurationVar(&flags.hold, "hold", 0, "Keep the session open this long")
	cmd.Flags().DurationVar(&flags.interval, "interval", 2*time.Second, "Tester present interval while holding")
	return cmd
}

func (a *app) newDriver(s *stack) (*comdriver.Driver, error) {
	cfg := comdriver.DefaultConfig()
	cfg.Topology = &a.cfg.Topology
	cfg.Mode = a.cfg.Mode
	cfg.ClientNodeID = a.cfg.Client.NodeID
	cfg.CAN = s.canDispatcher()
	cfg.IP = s.ip
	cfg.Logger = a.logger
	if a.cfg.KeysDir != "" {
		db, err := pemdb.Load(a.cfg.KeysDir, a.logger)
		if err != nil {
			return nil, err
		}
		a.logger.Info("loaded keys", zap.String("dir", a.cfg.KeysDir), zap.Int("count", db.Len()))
		cfg.Keys = db
		cfg.Signer = pemdb.PKCS1v15Signer{}
	}
	return comdriver.New(cfg)
}

func holdSession(ctx context.Context, drv *comdriver.Driver, target int, hold, interval time.Duration,
	logger *zap.Logger) error {

	deadline := time.NewTimer(hold)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if err := drv.SendTesterPresent(target); err != nil {
				return err
			}
			logger.Debug("tester present sent", zap.Int("node", target))
		}
	}
}
