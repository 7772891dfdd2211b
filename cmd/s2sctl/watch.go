package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"mini-s2s/codec"
	"mini-s2s/config"
	"mini-s2s/message"
	"mini-s2s/peerpool"
)

var (
	watchGroup   int32
	watchType    string
	watchDecoded bool
)

func init() {
	cmdWatch.Flags().Int32Var(&watchGroup, "group", 0, "only entries of this group id (0 = any)")
	cmdWatch.Flags().StringVar(&watchType, "type", "any", "only entries of this payload type")
	cmdWatch.Flags().BoolVar(&watchDecoded, "endpoints", false, "decode payloads as endpoints")
	rootCmd.AddCommand(cmdWatch)
}

var cmdWatch = &cobra.Command{
	Use:   "watch NAME [NAME...]",
	Short: "Subscribe to services and print every change",
	Long: `Subscribes to the named services and prints every entry change and session
status change until interrupted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := parseTypeFlag(watchType)
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
		d := peerpool.NewDispatcher(c, logger.Named("dispatch"))
		d.OnStatus(func(s message.SessionStatus) { fmt.Fprintf(out, "status %s\n", s) })

		metas := make(chan message.Meta)
		eps := make(chan *codec.Endpoint)
		for _, name := range args {
			f := message.SubFilter{InterestedName: name, InterestedGroup: watchGroup, S2SType: typ}
			if watchDecoded {
				err = d.SubscribeEndpoints(ctx, f, eps)
			} else {
				err = d.SubscribeMeta(ctx, f, metas)
			}
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", name, err)
			}
		}

		go func() {
			for {
				select {
				case m := <-metas:
					printMeta(out, m)
				case ep := <-eps:
					printEndpoint(out, ep)
				case <-ctx.Done():
					return
				}
			}
		}()
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func parseTypeFlag(s string) (message.MetaType, error) {
	typ, err := config.ParseMetaType(s)
	if err != nil {
		return 0, fmt.Errorf("--type: %w", err)
	}
	return typ, nil
}

func printMeta(w io.Writer, m message.Meta) {
	fmt.Fprintf(w, "%-5s %s server_id=%d group=%d type=%s ts=%d data=%q\n",
		m.Status, m.Name, m.ServerID, m.GroupID, m.Type, m.Timestamp, m.Data)
}

func printEndpoint(w io.Writer, ep *codec.Endpoint) {
	props := make([]string, 0, len(ep.Properties))
	for k, v := range ep.Properties {
		props = append(props, k+"="+v)
	}
	sort.Strings(props)
	fmt.Fprintf(w, "%-5s %s server_id=%d group=%d addr=%s udp=%d props=[%s]\n",
		ep.Status, ep.Name, ep.ServerID, ep.GroupID, ep.Addr(), ep.UDPPort, strings.Join(props, " "))
}
