package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/convertflow/config"
	"go.uber.org/zap"
)

const defaultMigrationsTable = "schema_migrations"

// DatabaseURLFromConfig 由数据库配置推导迁移连接串。sqlite 的 Name 即文件路径。
func DatabaseURLFromConfig(dbCfg appconfig.DatabaseConfig) (DatabaseType, string, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return "", "", fmt.Errorf("invalid database type: %w", err)
	}

	var url string
	switch dbType {
	case DatabaseTypePostgres:
		url = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	case DatabaseTypeMySQL:
		url = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, "")
	default:
		if dbCfg.Name == "" {
			return "", "", fmt.Errorf("sqlite requires database.name (file path)")
		}
		url = BuildDatabaseURL(dbType, "", 0, dbCfg.Name, "", "", "")
	}
	return dbType, url, nil
}

// NewMigratorFromDatabaseConfig 从 database 配置段创建迁移器
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, url, err := DatabaseURLFromConfig(dbCfg)
	if err != nil {
		return nil, err
	}
	return newDefault(dbType, url, logger)
}

// NewMigratorFromURL 供 --db-type/--db-url 直接指定连接
func NewMigratorFromURL(dbType, dbURL string, logger *zap.Logger) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return newDefault(dt, dbURL, logger)
}

func newDefault(dbType DatabaseType, url string, logger *zap.Logger) (*DefaultMigrator, error) {
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  url,
		TableName:    defaultMigrationsTable,
		Logger:       logger,
	})
}
