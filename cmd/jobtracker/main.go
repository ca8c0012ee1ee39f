package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/jobtracker/cmd/jobtracker/cmd"
	"github.com/G-Research/jobtracker/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
