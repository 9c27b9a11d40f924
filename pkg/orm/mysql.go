package orm

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	DSN         string // 连接字符串
	MaxIdle     int    // 最大空闲连接
	MaxOpen     int    // 最大打开连接
	MaxLifetime int    // 连接存活秒数
	LogSQL      bool   // 开发环境打印 SQL
}

// OpenMySQL 初始化 GORM 并配置连接池
func OpenMySQL(c *Config) (*gorm.DB, error) {
	return Open(mysql.Open(c.DSN), c)
}

// Open 用任意 Dialector 打开连接 (测试里换成 sqlite)
func Open(dialector gorm.Dialector, c *Config) (*gorm.DB, error) {
	// 生产环境用 Warn，开发环境用 Info (打印SQL)
	mode := logger.Warn
	if c.LogSQL {
		mode = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(mode),
		// 唯一键冲突统一成 gorm.ErrDuplicatedKey
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 连接池优化，0 值保持驱动默认
	if c.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdle)
	}
	if c.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpen)
	}
	if c.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(c.MaxLifetime) * time.Second)
	}
	return db, nil
}
