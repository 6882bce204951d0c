package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = the operation failed
//	2 = usage or configuration error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run", "serve":
		return runServeCmd(args[2:], stdout, stderr)
	case "migrate":
		return runMigrateCmd(args[2:], stdout, stderr)
	case "sweep":
		return runSweepCmd(args[2:], stdout, stderr)
	case "dispatch":
		return runDispatchCmd(args[2:], stdout, stderr)
	case "state":
		return runStateCmd(args[2:], stdout, stderr)
	case "policy":
		if len(args) < 3 || args[2] != "check" {
			_, _ = fmt.Fprintln(stderr, "Usage: squadbooks policy check <file>")
			return 2
		}
		return runPolicyCheckCmd(args[3:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "squadbooks: season budget approval kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  squadbooks <command> [args]")
	fmt.Fprintln(w, "")
	printCommand(w, "run", "Dispatch notifications and expire due requests until interrupted")
	printCommand(w, "migrate", "Apply database migrations")
	printCommand(w, "sweep", "Expire overdue acknowledgment requests once")
	printCommand(w, "dispatch", "Deliver pending notifications once")
	printCommand(w, "state", "Print a budget's current state as JSON (state <budget-id>)")
	printCommand(w, "policy", "Validate a governance profile (policy check <file>)")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the environment (DATABASE_DRIVER, DATABASE_URL,")
	fmt.Fprintln(w, "REDIS_ADDR, POLICY_FILE, LOG_LEVEL, LOG_FORMAT, OTEL_*).")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}
