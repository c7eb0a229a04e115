package db

import (
	"pdserver/config"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var Instance *gorm.DB

func Init() {
	Instance = Open(config.MYSQL_DSN, config.SQLITE_FILE)
}

// Open connects to MySQL when dsn is set, SQLite otherwise.
func Open(dsn, sqliteFile string) *gorm.DB {
	var dialector gorm.Dialector
	if dsn != "" {
		dialector = mysql.Open(dsn)
	} else {
		dialector = sqlite.Open(sqliteFile)
	}
	cfg := &gorm.Config{
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	}
	if !config.DEBUG_MODE {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil || db == nil {
		panic(err)
	}
	return db
}
