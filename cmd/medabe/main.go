package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/hengadev/medabe"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return errUsage
	}
	// a missing .env is fine, the environment may already be set
	_ = godotenv.Load()

	command, rest := args[0], args[1:]
	switch command {
	case "policy":
		return policyCommand(ctx, rest, out)
	case "keygen":
		return keygenCommand(ctx, rest, out)
	case "migrate":
		return migrateCommand(ctx, rest, out)
	case "status":
		return statusCommand(ctx, rest, out)
	case "rollback":
		return rollbackCommand(ctx, rest, out)
	case "cancel":
		return cancelCommand(ctx, rest, out)
	case "health":
		return healthCommand(ctx, rest, out)
	case "serve":
		return serveCommand(ctx, rest, out)
	case "version":
		return versionCommand(rest, out)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", command)
	}
}

var errUsage = errors.New("no command given")

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: medabe <command> [options]\n")
	fmt.Fprintf(w, "\nCommands:\n")
	fmt.Fprintf(w, "  policy    Generate and validate an ABE policy\n")
	fmt.Fprintf(w, "  keygen    Issue a user secret key and list its attributes\n")
	fmt.Fprintf(w, "  migrate   Encrypt legacy plaintext records\n")
	fmt.Fprintf(w, "  status    Show one migration job, or all of them\n")
	fmt.Fprintf(w, "  rollback  Restore the backup of a finished migration\n")
	fmt.Fprintf(w, "  cancel    Cancel a running migration\n")
	fmt.Fprintf(w, "  health    Run the health checks once\n")
	fmt.Fprintf(w, "  serve     Serve health and Prometheus metrics over HTTP\n")
	fmt.Fprintf(w, "  version   Show version information\n")
	fmt.Fprintf(w, "\nConfiguration is read from the file named by %s, then from MEDABE_* variables.\n", medabe.EnvConfigFile)
	fmt.Fprintf(w, "Run 'medabe <command> -h' for help on a specific command.\n")
}
