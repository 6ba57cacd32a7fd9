package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleawatch",
		Short:         "Watch flea market prices and alert when items drop below a target",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(itemsCmd())
	root.AddCommand(priceCmd())

	return root
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server without the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func sweepCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evaluate every watch once and send due alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the sweep report as JSON")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Import the full item catalog from the market",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync()
		},
	}
}

type callerFlags struct {
	scope   string
	channel string
	user    string
}

func (c *callerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.scope, "scope", "", "scope (server) id")
	cmd.Flags().StringVar(&c.channel, "channel", "", "channel id alerts are sent to")
	cmd.Flags().StringVar(&c.user, "user", "", "user id")
	_ = cmd.MarkFlagRequired("scope")
	_ = cmd.MarkFlagRequired("user")
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage price watches",
	}

	var (
		add      callerFlags
		maxPrice int64
		once     bool
	)
	addCmd := &cobra.Command{
		Use:   "add <item>",
		Short: "Watch an item for a price at or below --max-price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchAdd(add, args[0], maxPrice, once)
		},
	}
	add.register(addCmd)
	addCmd.Flags().Int64Var(&maxPrice, "max-price", 0, "alert when the price is at or below this")
	addCmd.Flags().BoolVar(&once, "once", false, "delete the watch after the first alert")

	var list callerFlags
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List watches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchList(list)
		},
	}
	list.register(listCmd)

	var rm callerFlags
	rmCmd := &cobra.Command{
		Use:   "rm <item>",
		Short: "Remove every watch whose item matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchRemove(rm, args[0])
		},
	}
	rm.register(rmCmd)

	var clear callerFlags
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all watches of a user in a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchClear(clear)
		},
	}
	clear.register(clearCmd)

	cmd.AddCommand(addCmd, listCmd, rmCmd, clearCmd)
	return cmd
}

func itemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Query the item dictionary",
	}

	var limit int
	searchCmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Suggest items for partial input",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := ""
			if len(args) == 1 {
				q = args[0]
			}
			return runItemsSearch(q, limit)
		},
	}
	searchCmd.Flags().IntVar(&limit, "limit", 25, "max suggestions")

	resolveCmd := &cobra.Command{
		Use:   "resolve <text>",
		Short: "Resolve input to a single catalog item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItemsResolve(args[0])
		},
	}

	cmd.AddCommand(searchCmd, resolveCmd)
	return cmd
}

func priceCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "price <item>",
		Short: "Show the current market price of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrice(args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
