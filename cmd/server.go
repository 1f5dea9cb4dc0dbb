package cmd

import (
	"github.com/spf13/cobra"

	"capture-worker/config"
	server2 "capture-worker/server"
	"capture-worker/service"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start capture pipeline and http server",
		Run: func(cmd *cobra.Command, args []string) {
			server2.RunHttp(config, service.NullSource())
		},
	}
}
