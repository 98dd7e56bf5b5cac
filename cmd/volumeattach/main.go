package main

import (
	"fmt"
	"os"

	"github.com/GoCodeAlone/volumeattach/config"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"lambda":            runLambda,
	"invoke":            runInvoke,
	"serve":             runServe,
	"register-document": runRegisterDocument,
	"render-document":   runRenderDocument,
}

func usage() {
	fmt.Fprintf(os.Stderr, `volumeattach - attach and mount a data volume on a Cloud9 instance (version %s)

Usage:
  volumeattach <command> [options]

Commands:
  lambda             Run as a Lambda function (on-event or is-complete handler)
  invoke             Handle one lifecycle event from a JSON file and print the result
  serve              Serve the on-event and is-complete handlers over HTTP
  register-document  Create or update the SSM mount document
  render-document    Print the SSM mount document JSON

With no command inside the Lambda runtime, lambda is assumed.
Run 'volumeattach <command> -h' for command-specific help.
`, version)
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
			args = []string{"lambda"}
		} else {
			usage()
			os.Exit(1)
		}
	}

	cmd := args[0]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd) //nolint:gosec // G705: CLI error output
		usage()
		os.Exit(1)
	}
	if err := fn(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err) //nolint:gosec // G705: CLI error output
		os.Exit(1)
	}
}

// loadConfig resolves the config path from the flag or VOLUMEATTACH_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("VOLUMEATTACH_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
