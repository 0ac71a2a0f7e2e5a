package main

import (
	"log/slog"
	"os"

	"github.com/isoflash/isoflash/cmd/isoflash/commands"
)

func main() {
	// Text logs on stderr keep stdout for tables and progress lines.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
