package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BaSui01/convertflow/internal/migration"
	"go.uber.org/zap"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// runMigrate 解析连接参数后把子命令交给 migration.CLI
//
//	convertflow migrate [--config f] [--db-type t --db-url u] <command> [arg]
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, migration.Usage)
		fmt.Fprintln(os.Stderr, `
Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)`)
	}
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("missing migrate command")
	}

	migrator, err := newMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	return migration.NewCLI(migrator).Execute(context.Background(), fs.Args())
}

// newMigrator 优先使用显式连接串，否则读取配置文件中的数据库配置
func newMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	logger := zap.NewNop()
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger = initLogger(cfg.Log)
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}
