package main

import (
	"github.com/spf13/cobra"
)

var eraseCmd = &cobra.Command{
	Use:   "erase PORT",
	Short: "Erase the main flash",
	Long:  `Erase the whole main flash. The info page is backed up first and left untouched.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := connect(cmd, args[0])
		if err != nil {
			return err
		}
		defer closeProgrammer(p)

		if err := backupInfoPage(cmd, p); err != nil {
			return err
		}
		poll, err := p.EraseAll()
		logWarnings(poll.Warnings)
		if err != nil {
			return err
		}
		log.WithField("attempts", poll.Attempts).Info("flash erased")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eraseCmd)
	eraseCmd.Flags().String("info-backup", "info_page.dat", "Where the info page backup is written")
}
