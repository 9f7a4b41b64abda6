package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"copilot.mailarchive.org/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}
