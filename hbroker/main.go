package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/radrouter/hbroker-app/hbroker/hbrokercli"
)

func main() {
	app := hbrokercli.GetApp()
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
