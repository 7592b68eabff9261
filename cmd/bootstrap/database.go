package bootstrap

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/LingByte/LingReach/internal/models"
	"github.com/LingByte/LingReach/pkg/config"
	"github.com/LingByte/LingReach/pkg/constants"
	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	cgosqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Options controls what SetupDatabase does besides connecting.
type Options struct {
	InitSQLPath string // optional .sql script executed after connecting
	AutoMigrate bool   // migrate every model
	SeedNonProd bool   // load demo subjects outside production
}

// SetupDatabase opens the audit database configured in config.GlobalConfig.
func SetupDatabase(w io.Writer, opts *Options) (*gorm.DB, error) {
	if opts == nil {
		opts = &Options{}
	}
	dbCfg := config.GlobalConfig.Database
	db, err := OpenDatabase(w, dbCfg.Driver, dbCfg.DSN, config.GlobalConfig.Server.Mode)
	if err != nil {
		return nil, err
	}

	if opts.InitSQLPath != "" {
		if err := runSQLFile(db, opts.InitSQLPath); err != nil {
			return nil, err
		}
	}

	// 审计表始终需要存在
	if opts.AutoMigrate || strings.HasPrefix(dbCfg.Driver, "sqlite") {
		if err := db.AutoMigrate(models.AllModels()...); err != nil {
			return nil, fmt.Errorf("migrate models: %w", err)
		}
		logger.Info("database migrated", zap.Int("models", len(models.AllModels())))
	}

	if opts.SeedNonProd && config.GlobalConfig.Server.Mode != constants.ENV_PRODUCTION {
		seeder := &SeedService{db: db}
		if err := seeder.SeedAll(); err != nil {
			return nil, fmt.Errorf("seed database: %w", err)
		}
	}
	return db, nil
}

// OpenDatabase connects with the named driver. "sqlite" is the pure Go
// driver; "sqlite3" is the cgo one.
func OpenDatabase(w io.Writer, driver, dsn, mode string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres", "pg":
		dialector = postgres.Open(dsn)
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "sqlite3":
		dialector = cgosqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	level := gormlogger.Warn
	if mode == constants.ENV_DEVELOPMENT {
		level = gormlogger.Info
	}
	if w == nil {
		w = os.Stdout
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(log.New(w, "\r\n", log.LstdFlags), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  mode == constants.ENV_DEVELOPMENT,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if strings.HasPrefix(driver, "sqlite") || driver == "" {
		// sqlite 只允许一个写连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	logger.Info("database connected", zap.String("driver", driver))
	return db, nil
}

func runSQLFile(db *gorm.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read init sql: %w", err)
	}
	for _, stmt := range strings.Split(string(data), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" || strings.HasPrefix(stmt, "--") {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("exec init sql %q: %w", firstLine(stmt), err)
		}
	}
	logger.Info("init sql executed", zap.String("path", path))
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
