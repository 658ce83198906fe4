package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"video-digest/app/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open 打开 sqlite 数据库并迁移表结构
func Open(path string, log *logger.Logger) (*gorm.DB, error) {
	memory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")
	if !memory {
		if err := ensureDir(filepath.Dir(path)); err != nil {
			log.Errorf("创建数据库目录失败: %v", err)
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.Errorf("连接数据库失败: %v", err)
		return nil, err
	}

	if memory {
		// 内存库每个连接都是独立的库，只保留一个连接
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("迁移表结构失败: %w", err)
	}

	log.Infof("数据库连接成功: %s", path)
	return db, nil
}

// Close 关闭数据库连接
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ensureDir 确保目录存在
func ensureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}
