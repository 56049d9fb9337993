package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/gbtami/fairyfishnet/internal/cli"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
