package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/carbontrack/carbontrack/cmd/carbontrackctl/commands"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}
	if err := commands.NewRootCommand(commands.DefaultEnv()).Execute(); err != nil {
		os.Exit(1)
	}
}
