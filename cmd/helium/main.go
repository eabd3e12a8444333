// Command helium runs the bot webhook server: it receives provisioning
// and message events from the bot service and fans outgoing messages out
// to every device in each bot's conversation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "dev"

func main() {
	v := viper.New()

	root := &cobra.Command{
		Use:           "helium",
		Short:         "Bot client node for end-to-end encrypted conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(v), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("helium", version)
		},
	}
}
