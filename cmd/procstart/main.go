// Command procstart is the "start" CLI entry point: it admits a single task
// against a fresh Supervisor, waits for it to reach a terminal status, and
// prints the task info record. It never persists state beyond the task's
// own log file — a second invocation of procstart knows nothing about the
// first.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tripwire/procsup/internal/supervisor"
)

type tagList []string

func (t *tagList) String() string { return fmt.Sprint([]string(*t)) }
func (t *tagList) Set(v string) error {
	*t = append(*t, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	var tags tagList
	fs.Var(&tags, "tag", "tag to attach to the task; may be repeated")
	logDir := fs.String("log-dir", "./logs", "directory task logs are written to")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	rest := fs.Args()
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}
	cmd := rest
	if len(cmd) == 0 {
		fmt.Fprintln(os.Stderr, "usage: start [--tag T]... -- <cmd> [args...]")
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	sup, err := supervisor.New(supervisor.Config{LogDir: *logDir, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "procstart: %v\n", err)
		return 1
	}

	res, err := sup.StartAndWait(context.Background(), supervisor.StartOptions{
		Cmd:  cmd,
		Tags: []string(tags),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "procstart: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, info := range sup.List() {
		if info.ID == res.TaskID {
			_ = enc.Encode(info)
		}
	}

	if res.ExitCode == nil || *res.ExitCode != 0 {
		return 1
	}
	return 0
}
