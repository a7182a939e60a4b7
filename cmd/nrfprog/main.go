package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("nrfprog failed")
		os.Exit(1)
	}
}
