package database

import (
	"errors"
	"fmt"

	"video-digest/app/auth"
	"video-digest/app/logger"
	"video-digest/app/model"

	"gorm.io/gorm"
)

// EnsureAdmin 按配置创建或同步管理员账户
func EnsureAdmin(db *gorm.DB, username, password string, log *logger.Logger) error {
	if username == "" || password == "" {
		return fmt.Errorf("管理员账户配置不能为空，请在配置文件中设置 server.username 和 server.password")
	}

	var admin model.User
	err := db.Where("is_admin = ?", true).First(&admin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hashed, err := auth.HashPassword(password)
		if err != nil {
			return fmt.Errorf("哈希密码失败: %w", err)
		}
		admin = model.User{Username: username, Password: hashed, IsActive: true, IsAdmin: true}
		if err := db.Create(&admin).Error; err != nil {
			return fmt.Errorf("创建管理员账户失败: %w", err)
		}
		log.Infof("管理员账户 '%s' 创建成功", username)
		return nil
	}
	if err != nil {
		return err
	}

	changed := false
	if admin.Username != username {
		var conflict int64
		db.Model(&model.User{}).Where("username = ? AND id != ?", username, admin.ID).Count(&conflict)
		if conflict > 0 {
			return fmt.Errorf("用户名 '%s' 已被其他用户使用，无法更新管理员用户名", username)
		}
		log.Infof("管理员用户名从 '%s' 更新为 '%s'", admin.Username, username)
		admin.Username = username
		changed = true
	}
	if !auth.VerifyPassword(password, admin.Password) {
		hashed, err := auth.HashPassword(password)
		if err != nil {
			return fmt.Errorf("哈希密码失败: %w", err)
		}
		admin.Password = hashed
		changed = true
		log.Infof("管理员 '%s' 密码已更新", username)
	}

	if !changed {
		return nil
	}
	return db.Save(&admin).Error
}
