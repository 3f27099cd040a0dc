package main

import (
	"fmt"

	"github.com/dunamismax/avatarflow/internal/domain"
	"github.com/spf13/cobra"
)

func newStylesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "styles",
		Short: "List the supported style variants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, style := range domain.Styles() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), style); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
