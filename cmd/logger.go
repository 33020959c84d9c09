package cmd

import (
	"log/slog"
	"os"
)

// ProvideLogger builds the process-wide slog.Logger. JSON output, text
// on a terminal would be nicer for local runs but the teacher's own
// services ship JSON regardless of TTY so operators get one log shape
// everywhere.
func ProvideLogger() *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	log := slog.New(h).With("service", ServiceName, "namespace", ServiceNamespace)
	slog.SetDefault(log)
	return log
}
