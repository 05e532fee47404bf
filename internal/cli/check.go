package cli

import (
	"github.com/spf13/cobra"

	"vaultwatch/internal/app"
)

var checkOwner string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one initial sync and print the positions at risk",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context(), app.CheckOptions{Owner: checkOwner})
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkOwner, "owner", "", "Assess every position of this account instead")
}
