package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"db-recon/internal/checksum"
)

var resetAll bool

var resetCmd = &cobra.Command{
	Use:   "reset [tables...]",
	Short: "Clear persisted checksum state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetAll && len(args) == 0 {
			return fmt.Errorf("name the tables to reset, or pass --all")
		}

		store, err := checksum.NewStore(viper.GetString("settings.state_dir"))
		if err != nil {
			return err
		}

		for _, sideName := range []string{"source", "target"} {
			sub, err := store.Sub(sideName)
			if err != nil {
				return err
			}
			if resetAll {
				if err := sub.ClearAll(); err != nil {
					return err
				}
				continue
			}
			for _, table := range args {
				if err := sub.Clear(table); err != nil {
					return err
				}
			}
		}

		if resetAll {
			fmt.Println("Cleared all checksum state.")
		} else {
			fmt.Printf("Cleared checksum state for %d table(s).\n", len(args))
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(resetCmd)
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "Clear state for every table")
}
