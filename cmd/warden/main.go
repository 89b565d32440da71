package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = func(stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid configuration:\n%v\n", err)
		return 2
	}
	if err := runServer(ctx, cfg, stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "server failed: %v\n", err)
		return 1
	}
	return 0
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stdout, stderr)
	case "health":
		return runHealthCmd(config.Load(), stdout, stderr)
	case "doctor":
		return runDoctorCmd(context.Background(), config.Load(), stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "warden %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return 0
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
	_, _ = fmt.Fprint(w, `Usage: warden <command>

Commands:
  serve     Run the gateway (default)
  health    Query /healthz of a local gateway
  doctor    Check configuration and backing services
  version   Print the version
  help      Show this help

Configuration is read from the environment (PORT, LLM_SERVICE_URL, REDIS_ADDR,
DATABASE_URL, POLICY_FILE, ...).
`)
}

var healthClient = &http.Client{Timeout: 5 * time.Second}

func runHealthCmd(cfg *config.Config, out, errOut io.Writer) int {
	resp, err := healthClient.Get("http://localhost:" + cfg.Port + "/healthz")
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_, _ = fmt.Fprintf(out, "%s", body)
	return 0
}
