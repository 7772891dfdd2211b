package main

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-s2s/codec"
	"mini-s2s/errdefs"
	"mini-s2s/message"
)

var (
	regIPs   []string
	regPort  uint32
	regUDP   uint32
	regProps []string
)

func init() {
	cmdRegister.Flags().StringSliceVar(&regIPs, "ip", nil, "address as isp=ip, e.g. ctl=10.0.0.1 (repeatable)")
	cmdRegister.Flags().Uint32Var(&regPort, "port", 0, "TCP port")
	cmdRegister.Flags().Uint32Var(&regUDP, "udp-port", 0, "UDP port, omitted when 0")
	cmdRegister.Flags().StringSliceVar(&regProps, "prop", nil, "property as key=value (repeatable)")
	_ = cmdRegister.MarkFlagRequired("ip")
	rootCmd.AddCommand(cmdRegister)
}

var cmdRegister = &cobra.Command{
	Use:   "register",
	Short: "Publish an endpoint for this process and hold it",
	Long: `Publishes the given addresses, ports and properties as the entry of the
configured service and keeps the session alive until interrupted. The entry is
removed on exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ep, err := buildEndpoint(regIPs, regPort, regUDP, regProps)
		if err != nil {
			return err
		}
		if cfg.MetaType() == message.AnyType {
			return fmt.Errorf("cannot publish with type %s", message.AnyType)
		}
		payload, err := ep.Encode(cfg.MetaType())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		c, closeFn, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		out := cmd.OutOrStdout()
		for {
			changed := c.Changed()
			for {
				r, ok := c.Next()
				if !ok {
					break
				}
				fmt.Fprintf(out, "status %s\n", r.Status)
			}
			if _, err := c.GetMine(); err != nil && c.Status() == message.SessionBind {
				// published on the first bind; later binds restore it
				err := c.SetMine(ctx, payload)
				switch {
				case err == nil:
					fmt.Fprintf(out, "registered %s server_id=%d group=%d\n", c.Name(), c.ServerID(), c.GroupID())
				case errors.Is(err, errdefs.ErrNotBound), errors.Is(err, errdefs.ErrTransport):
					logger.Debug("registration deferred", zap.Error(err))
				default:
					return err
				}
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return nil
			}
		}
	},
}

func buildEndpoint(ips []string, port, udp uint32, props []string) (*codec.Endpoint, error) {
	ep := &codec.Endpoint{
		IPs:        make(map[codec.ISPType]net.IP, len(ips)),
		TCPPort:    port,
		UDPPort:    udp,
		Properties: make(map[string]string, len(props)),
	}
	for _, s := range ips {
		name, addr, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("--ip %q: want isp=ip", s)
		}
		isp, err := codec.ParseISP(name)
		if err != nil {
			return nil, err
		}
		ip := net.ParseIP(addr).To4()
		if ip == nil {
			return nil, fmt.Errorf("--ip %q: not an IPv4 address", s)
		}
		ep.IPs[isp] = ip
	}
	for _, s := range props {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--prop %q: want key=value", s)
		}
		ep.Properties[k] = v
	}
	return ep, nil
}
