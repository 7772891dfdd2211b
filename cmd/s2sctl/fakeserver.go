package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mini-s2s/internal/fakemeta"
)

var (
	fakeListen     string
	fakeVersion    string
	fakeMinVersion string
	fakeProbe      time.Duration
)

func init() {
	cmdFakeServer.Flags().StringVar(&fakeListen, "listen", "127.0.0.1:4100", "listen address")
	cmdFakeServer.Flags().StringVar(&fakeVersion, "version", fakemeta.DefaultVersion, "registry version reported at login")
	cmdFakeServer.Flags().StringVar(&fakeMinVersion, "min-client-version", "", "refuse older clients")
	cmdFakeServer.Flags().DurationVar(&fakeProbe, "probe", 0, "probe interval for server side liveness checks")
	rootCmd.AddCommand(cmdFakeServer)
}

var cmdFakeServer = &cobra.Command{
	Use:   "fake-server",
	Short: "Run an in-memory registry for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := fakemeta.New(logger.Named("fakemeta"))
		srv.Version = fakeVersion
		srv.MinClientVersion = fakeMinVersion
		srv.ProbeInterval = fakeProbe
		if err := srv.Start(fakeListen); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registry listening on %s\n", srv.Addr())
		<-cmd.Context().Done()
		return srv.Shutdown(5 * time.Second)
	},
}
