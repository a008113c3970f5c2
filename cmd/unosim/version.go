package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/unosim/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.String())
	},
}
