package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opsverify/conncheck/internal/usecase"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered services",
	Long:  `List every registered service, grouped by domain, with the protocols its destination matrix touches.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		for _, domain := range usecase.Domains() {
			fmt.Printf("%s:\n", domain)

			for _, def := range usecase.ByDomain(domain) {
				fmt.Printf("  %-24s", def.Name)
				for i, p := range def.Protocols {
					if i > 0 {
						fmt.Print(", ")
					}
					fmt.Print(string(p))
				}
				fmt.Println()
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
