package main

import (
	"log"
	"os"

	"github.com/rapidmidiex/wampx/internal/cmd"
	"github.com/rapidmidiex/wampx/internal/config"
)

func main() {
	// env files must be loaded before flags resolve their EnvVars
	if err := config.LoadEnv(); err != nil {
		log.Fatal(err)
	}

	if err := cmd.New().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
