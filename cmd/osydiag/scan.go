package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/osycomm/cantp"
	"github.com/LoveWonYoung/osycomm/iptp"
	"github.com/LoveWonYoung/osycomm/tp"
)

func newScan(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Find nodes by broadcast",
	}
	cmd.AddCommand(newScanCAN(a), newScanIP(a))
	return cmd
}

func newScanCAN(a *app) *cobra.Command {
	var flags struct {
		extended bool
		timeout  time.Duration
	}
	cmd := &cobra.Command{
		Use:   "can",
		Short: "Read the serial number of every node on the client's CAN bus",
		Args:  cobra.NoArgs,
		Example: `  osydiag scan can --can.iface can0
  osydiag scan can --can.iface can0 --extended --timeout 500ms`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return a.run(cmd.Context(), func(ctx context.Context, s *stack) error {
				if err := requireCAN(s); err != nil {
					return err
				}
				p, err := cantp.New(cantp.DefaultConfig(), tp.SystemClock(), a.logger)
				if err != nil {
					return err
				}
				client := a.cfg.clientID()
				if err := p.SetNodeIdentifiers(client, tp.NodeID{Bus: client.Bus, Node: tp.BroadcastNodeID}); err != nil {
					return err
				}
				if err := p.SetDispatcher(s.can); err != nil {
					return err
				}
				defer p.SetDispatcher(nil)
				p.SetBroadcastTimeout(flags.timeout)

				scan := p.BroadcastReadSerialNumber
				if flags.extended {
					scan = p.BroadcastReadSerialNumberExtended
				}
				results, err := scan()
				if err != nil {
					return err
				}
				printCANScan(cmd, results)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&flags.extended, "extended", "e", false,
		"Use the extended serial number request (sub nodes, security state)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 100*time.Millisecond,
		"How long to collect responses")
	return cmd
}

func printCANScan(cmd *cobra.Command, results []cantp.SerialNumberResult) {
	w := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(w, "No node answered")
		return
	}
	infoColor.Fprintf(w, "%d node(s) found\n", len(results))
	table := newTable(w, "Node", "Serial number", "Sub node", "Secure")
	for _, r := range results {
		sub, secure := "-", "-"
		if r.Extended != nil {
			sub = strconv.Itoa(int(r.Extended.SubNodeID))
			secure = strconv.FormatBool(r.Extended.SecurityActivated)
		}
		table.Append([]string{r.NodeID.String(), r.SerialNumber.String(), sub, secure})
	}
	table.Render()
}

func newScanIP(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ip",
		Short: "Read the device info of every node on the local Ethernet segments",
		Args:  cobra.NoArgs,
		Example: `  osydiag scan ip
  osydiag scan ip --config system.yaml --timeout 2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return a.run(cmd.Context(), func(ctx context.Context, s *stack) error {
				p, err := iptp.New(iptp.DefaultConfig(), tp.SystemClock(), a.logger)
				if err != nil {
					return err
				}
				client := a.cfg.clientID()
				if err := p.SetNodeIdentifiers(client, tp.NodeID{Bus: client.Bus, Node: tp.BroadcastNodeID}); err != nil {
					return err
				}
				p.SetDispatcher(s.ip, iptp.NoHandle)
				defer p.SetDispatcher(nil, iptp.NoHandle)
				p.SetBroadcastTimeout(timeout)

				results, err := p.GetDeviceInfo()
				if err != nil {
					return err
				}
				printIPScan(cmd, results)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "How long to collect responses")
	return cmd
}

func printIPScan(cmd *cobra.Command, results []iptp.DeviceInfoResult) {
	w := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(w, "No device answered")
		return
	}
	infoColor.Fprintf(w, "%d device(s) found\n", len(results))
	table := newTable(w, "Node", "Device", "Serial number", "IP", "Via", "Sub node", "Secure")
	for _, r := range results {
		sub, secure := "-", "-"
		if r.Extended != nil {
			sub = strconv.Itoa(int(r.Extended.SubNodeID))
			secure = strconv.FormatBool(r.Extended.SecurityActivated)
		}
		table.Append([]string{r.NodeID.String(), r.DeviceName, r.SerialNumber.String(),
			r.IP.String(), r.LocalIP.String(), sub, secure})
	}
	table.Render()
}
