package migration

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	appconfig "github.com/BaSui01/dagflow/config"
)

// NewMigratorFromConfig 为 database 存储驱动创建迁移器；其他驱动没有 SQL schema
func NewMigratorFromConfig(cfg *appconfig.Config, logger *zap.Logger) (*SchemaMigrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Store.Driver != "database" {
		return nil, fmt.Errorf("store driver %q has no schema to migrate", cfg.Store.Driver)
	}
	return NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

// NewMigratorFromDatabaseConfig 按数据库配置拼接连接串并创建迁移器
func NewMigratorFromDatabaseConfig(db appconfig.DatabaseConfig, logger *zap.Logger) (*SchemaMigrator, error) {
	d, err := ParseDialect(db.Driver)
	if err != nil {
		return nil, err
	}
	return NewMigrator(Config{Dialect: d, URL: BuildURL(d, db), Logger: logger})
}

// NewMigratorFromURL 直接使用连接串创建迁移器
func NewMigratorFromURL(dialect, url string, logger *zap.Logger) (*SchemaMigrator, error) {
	d, err := ParseDialect(dialect)
	if err != nil {
		return nil, err
	}
	return NewMigrator(Config{Dialect: d, URL: url, Logger: logger})
}

// BuildURL 按方言拼接连接串。sqlite 的 Name 是文件路径；
// postgres 未配置 ssl_mode 时使用 require。
func BuildURL(d Dialect, db appconfig.DatabaseConfig) string {
	switch d {
	case DialectPostgres:
		sslMode := db.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			db.User, db.Password, db.Host, db.Port, db.Name, sslMode)
	case DialectMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			db.User, db.Password, db.Host, db.Port, db.Name)
	case DialectSQLite:
		return fmt.Sprintf("file:%s?mode=rwc&_pragma=foreign_keys(1)", db.Name)
	default:
		return ""
	}
}
