package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/devproxy/pkg/router"
)

var routesFlags struct {
	match string
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the route table or test a path against it",
	Long: `Print the configured rules in match order. With --match, print the rule a
path would be forwarded by, or report that it is served locally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyServeFlags(cfg)
		table, err := cfg.RouteTable()
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("match") {
			return printMatch(cmd.OutOrStdout(), table, routesFlags.match)
		}
		return printRoutes(cmd.OutOrStdout(), table)
	},
}

func init() {
	routesCmd.Flags().StringVarP(&routesFlags.match, "match", "m", "", "path to test against the table")
	addRouteFlags(routesCmd)
	rootCmd.AddCommand(routesCmd)
}

func printRoutes(w io.Writer, table *router.Table) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPREFIX\tTARGET\tREWRITE ORIGIN\tUPGRADE\tSTRIP PREFIX")
	for i, rule := range table.Rules() {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\t%t\n", i+1, rule.Prefix, rule.Target, rule.RewriteOrigin, rule.Upgrade, rule.StripPrefix)
	}
	return tw.Flush()
}

func printMatch(w io.Writer, table *router.Table, path string) error {
	rule, ok := table.Match(path)
	if !ok {
		_, err := fmt.Fprintf(w, "%s: no route, served locally\n", path)
		return err
	}
	_, err := fmt.Fprintf(w, "%s: %s (forwarded as %s)\n", path, rule, rule.ForwardPath(path))
	return err
}
