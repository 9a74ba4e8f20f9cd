package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/londonhackspace/acserver/internal/migrate"
	"github.com/londonhackspace/acserver/internal/obs"
)

func main() {
	var (
		dsn     = flag.String("dsn", os.Getenv("ACSERVER_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "", "read sql/ and seeds/ from this directory instead of the embedded set")
		timeout = flag.Duration("timeout", 30*time.Second, "overall deadline")
		level   = flag.String("log-level", "info", "log level")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [flags] up|down|seed|status")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := obs.MustBuildLogger(*level)
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via --dsn or ACSERVER_PG_DSN")
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	var opts []migrate.Option
	if *dir != "" {
		opts = append(opts, migrate.WithFiles(os.DirFS(*dir), "sql", "seeds"))
	}
	mgr := migrate.NewManager(db, opts...)

	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
	logger.Info("migrate done", zap.String("command", cmd))
}
