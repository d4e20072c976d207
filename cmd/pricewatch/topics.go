package main

import (
	"fmt"

	"github.com/qvcloud/pricefeed"
	"github.com/spf13/cobra"
)

var topicsCmd = &cobra.Command{
	Use:   "topics [instrument...]",
	Short: "List price topics",
	Long: `Print the catch-all price topic and one topic per asset class. With
instrument ids, print the instrument topics of every class instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) == 0 {
			fmt.Fprintln(out, pricefeed.PricesTopic)
		}
		for _, class := range pricefeed.AssetClasses() {
			if len(args) == 0 {
				fmt.Fprintln(out, pricefeed.AssetClassTopic(class))
				continue
			}
			for _, id := range args {
				fmt.Fprintln(out, pricefeed.InstrumentTopic(class, id))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(topicsCmd)
}
