package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(out)
		return errors.New("missing migrate subcommand")
	}

	name, subargs := args[0], args[1:]
	switch name {
	case "help", "-h", "--help":
		printMigrateUsage(out)
		return nil
	}

	sub, ok := migration.LookupSubcommand(name)
	if !ok {
		printMigrateUsage(out)
		return fmt.Errorf("%w: %s", migration.ErrUnknownSubcommand, name)
	}

	var all bool
	var extra func(fs *flag.FlagSet)
	if sub.Name == "down" {
		extra = func(fs *flag.FlagSet) { fs.BoolVar(&all, "all", false, "Roll back all migrations") }
	}
	if sub.Args != "" {
		subargs = numberLast(subargs)
	}

	return withMigrator(ctx, "migrate "+sub.Name, subargs, out, extra, func(cli *migration.CLI, rest []string) error {
		if all {
			return cli.Down(ctx, true)
		}
		return cli.Execute(ctx, sub.Name, rest)
	})
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, "Database Migration Commands")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  stepflow migrate <subcommand> [options] [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Subcommands:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, sub := range migration.Subcommands() {
		fmt.Fprintf(tw, "  %s\t%s\n", strings.TrimSpace(sub.Name+" "+sub.Args), sub.Summary)
	}
	fmt.Fprintf(tw, "  help\tShow this help message\n")
	_ = tw.Flush()
	fmt.Fprintln(w, `
Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)
  --all               down only: roll back every migration

Examples:
  stepflow migrate up
  stepflow migrate up --config /etc/stepflow/config.yaml
  stepflow migrate down --all
  stepflow migrate status --db-type sqlite --db-url file:./stepflow.db
  stepflow migrate steps -1
  stepflow migrate goto 1`)
}

// withMigrator parses the common flags, creates a migrator and passes the
// remaining arguments to fn. extra registers subcommand specific flags.
func withMigrator(
	ctx context.Context,
	name string,
	args []string,
	out io.Writer,
	extra func(fs *flag.FlagSet),
	fn func(cli *migration.CLI, rest []string) error,
) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	if extra != nil {
		extra(fs)
	}
	migrator, logger, err := createMigrator(fs, args)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer logger.Sync()
	defer func() {
		if err := migrator.Close(); err != nil {
			logger.Warn("failed to close migrator", zap.Error(err))
		}
	}()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(out)
	return fn(cli, fs.Args())
}

// createMigrator creates a migrator from command line flags
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, *zap.Logger, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := initLogger(cfg.Log)

	// If db-type and db-url are provided, use them directly
	var m *migration.DefaultMigrator
	if *dbType != "" && *dbURL != "" {
		m, err = migration.NewMigratorFromURL(*dbType, *dbURL, logger)
	} else {
		// Override database type if specified
		if *dbType != "" {
			cfg.Storage.Database.Driver = *dbType
		}
		m, err = migration.NewMigratorFromConfig(cfg, logger)
	}
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return m, logger, nil
}

// numberLast 允许 "goto 3 --config x" 与 "steps -1" 这类写法：
// 开头的数字参数被移到 "--" 之后，不会被当作 flag 解析
func numberLast(args []string) []string {
	if len(args) == 0 {
		return args
	}
	if _, err := strconv.Atoi(args[0]); err != nil {
		return args
	}
	out := append([]string{}, args[1:]...)
	return append(out, "--", args[0])
}
