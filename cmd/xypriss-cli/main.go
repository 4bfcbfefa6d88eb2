// Command xypriss-cli is the launcher shipped to end users. It locates the
// server binary next to itself (or via XYPRISS_SERVER_BIN) and forwards all
// arguments to it, handling only --version and --help locally.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const serverBinary = "xypriss"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	for _, arg := range args {
		switch arg {
		case "--version", "-v":
			fmt.Printf("xypriss-cli %s (built %s)\n", version, buildTime)
			return 0
		case "--help", "-h":
			usage(os.Stdout)
			return 0
		case "--":
			// Everything after -- belongs to the server.
		default:
			if len(arg) > 2 && arg[:2] == "--" && !knownServerFlag(arg) {
				fmt.Fprintf(os.Stderr, "xypriss-cli: unknown flag %s\n\n", arg)
				usage(os.Stderr)
				return 2
			}
		}
	}

	bin, err := resolveServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "xypriss-cli: %v\n", err)
		return 1
	}

	cmd := exec.Command(bin, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "xypriss-cli: failed to start %s: %v\n", bin, err)
		return 1
	}

	// Relay termination signals so Ctrl-C and service stops reach the server.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			cmd.Process.Signal(sig)
		}
	}()
	defer signal.Stop(sigCh)

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "xypriss-cli: %v\n", err)
		return 1
	}
	return 0
}

// resolveServer finds the server binary: explicit override first, then a
// sibling of the launcher, then PATH.
func resolveServer() (string, error) {
	if override := os.Getenv("XYPRISS_SERVER_BIN"); override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("XYPRISS_SERVER_BIN=%s: %w", override, err)
		}
		return override, nil
	}

	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), serverBinary)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}

	if found, err := exec.LookPath(serverBinary); err == nil {
		return found, nil
	}
	return "", fmt.Errorf("server binary %q not found next to the launcher or on PATH", serverBinary)
}

func knownServerFlag(arg string) bool {
	for i, r := range arg {
		if r == '=' {
			arg = arg[:i]
			break
		}
	}
	switch arg {
	case "--config", "--version", "--validate", "--help":
		return true
	}
	return false
}

func usage(w *os.File) {
	fmt.Fprintf(w, `xypriss-cli launches the XyPriss server.

Usage:
  xypriss-cli [flags passed to the server]

Launcher flags:
  --version, -v   print launcher version and exit
  --help, -h      print this help and exit

Server flags (forwarded):
  --config PATH   configuration file (YAML or JSON)
  --validate      validate configuration and exit

Environment:
  XYPRISS_SERVER_BIN   explicit path to the server binary

Exit codes: 0 success, 1 error, 2 usage error.
`)
}
