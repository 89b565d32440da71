package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/warden/pkg/config"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// pingers are variables so tests can run doctor without live services.
var (
	pingRedis = func(ctx context.Context, addr string) error {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()
		return client.Ping(ctx).Err()
	}
	pingSQL = func(ctx context.Context, driver, dsn string) error {
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.PingContext(ctx)
	}
)

func runDoctorCmd(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}
	add := func(name string, err error, okDetail string) {
		if err != nil {
			results = append(results, checkResult{Name: name, Status: "fail", Detail: err.Error()})
			return
		}
		results = append(results, checkResult{Name: name, Status: "ok", Detail: okDetail})
	}
	warn := func(name, detail string) {
		results = append(results, checkResult{Name: name, Status: "warn", Detail: detail})
	}

	add("config", cfg.Validate(), "valid")

	if cfg.PolicyFile == "" {
		warn("policy", "POLICY_FILE not set (built-in limits and rules)")
	} else {
		_, err := config.LoadPolicy(cfg.PolicyFile)
		add("policy", err, cfg.PolicyFile)
	}

	if cfg.LLMServiceURL == "" {
		warn("llm", "LLM_SERVICE_URL not set (stub adapter)")
	} else {
		results = append(results, checkResult{Name: "llm", Status: "ok", Detail: cfg.LLMBaseURL() + " model=" + cfg.LLMModel})
	}

	if cfg.RedisAddr == "" {
		warn("redis", "REDIS_ADDR not set (in-process sessions and ledgers)")
	} else {
		add("redis", pingRedis(ctx, cfg.RedisAddr), cfg.RedisAddr)
	}

	if cfg.DatabaseURL == "" {
		warn("postgres", "DATABASE_URL not set")
	} else {
		add("postgres", pingSQL(ctx, "postgres", cfg.DatabaseURL), "reachable")
	}

	if cfg.ReceiptsSQLitePath != "" && cfg.DatabaseURL == "" {
		add("sqlite", pingSQL(ctx, "sqlite", cfg.ReceiptsSQLitePath), cfg.ReceiptsSQLitePath)
	}

	_, _ = fmt.Fprintln(stdout, "\nwarden doctor")
	_, _ = fmt.Fprintln(stdout, "─────────────")
	failed := false
	for _, r := range results {
		mark := "ok  "
		switch r.Status {
		case "warn":
			mark = "warn"
		case "fail":
			mark = "FAIL"
			failed = true
		}
		_, _ = fmt.Fprintf(stdout, "  [%s] %-12s %s\n", mark, r.Name, r.Detail)
	}

	if failed {
		_, _ = fmt.Fprintln(stderr, "\nSome checks failed.")
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "\nAll checks passed.")
	return 0
}
