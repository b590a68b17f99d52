package main

import (
	"os"

	appLog "inkcal/internal/log"
)

func main() {
	defer appLog.Sync()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
