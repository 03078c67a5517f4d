package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/internal/migration"
)

// =============================================================================
// 🗃️ migrate 命令
// =============================================================================

// migrateFlags migrate 子命令共用的连接参数
type migrateFlags struct {
	configPath string
	dbType     string
	dbURL      string
	verbose    bool
	all        bool
}

func (f *migrateFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.dbType, "db-type", "", "Database type (postgres, mysql, sqlite)")
	fs.StringVar(&f.dbURL, "db-url", "", "Database connection URL")
	fs.BoolVar(&f.verbose, "verbose", false, "Log migration progress")
	fs.BoolVar(&f.all, "all", false, "Rollback all migrations (down only)")
}

// migrator 显式给出 --db-type 与 --db-url 时直连，否则从配置文件取数据库参数
func (f *migrateFlags) migrator() (*migration.SchemaMigrator, error) {
	logger := zap.NewNop()
	if f.verbose {
		dev, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		logger = dev
	}

	if f.dbType != "" && f.dbURL != "" {
		return migration.NewMigratorFromURL(f.dbType, f.dbURL, logger)
	}
	cfg, err := loadConfig(f.configPath, false)
	if err != nil {
		return nil, err
	}
	if f.dbType != "" {
		cfg.Database.Driver = f.dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

// migrate 执行迁移子命令。版本号位于参数之前："migrate goto 3 --config x.yaml"
func migrate(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: expected a subcommand", errUsage)
	}
	switch args[0] {
	case "help", "-h", "--help":
		printMigrateUsage(out)
		return nil
	}

	op, err := migration.ParseOp(args[0])
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	cmd, rest := migration.Command{Op: op}, args[1:]
	if op.NeedsVersion() {
		if len(rest) == 0 {
			return fmt.Errorf("%w: %s requires a version", errUsage, op)
		}
		v, err := strconv.ParseInt(rest[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", rest[0])
		}
		cmd.Version, rest = int(v), rest[1:]
	}

	var flags migrateFlags
	fs := flag.NewFlagSet("migrate "+string(op), flag.ContinueOnError)
	flags.bind(fs)
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if flags.all && op == migration.OpDown {
		cmd.Op = migration.OpReset
	}

	m, err := flags.migrator()
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	return migration.NewConsole(m, out).Run(ctx, cmd)
}

func printMigrateUsage(out io.Writer) {
	fmt.Fprint(out, `Database Migration Commands

Usage:
  dagflow migrate <subcommand> [version] [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all for every migration)
  status    Show migration status
  version   Show current migration version
  verify    Check that the schema is at the latest version and clean
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)
  --verbose           Log migration progress

Examples:
  dagflow migrate up --config /etc/dagflow/config.yaml
  dagflow migrate down --all
  dagflow migrate goto 1
  dagflow migrate force 0 --db-type sqlite --db-url dagflow.db
`)
}
