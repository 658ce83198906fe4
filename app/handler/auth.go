package handler

import (
	"net/http"
	"time"

	"video-digest/app/auth"
	"video-digest/app/logger"
	"video-digest/app/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AuthHandler 认证处理器
type AuthHandler struct {
	db     *gorm.DB
	tokens *auth.TokenService
	log    *logger.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(db *gorm.DB, tokens *auth.TokenService, log *logger.Logger) *AuthHandler {
	return &AuthHandler{
		db:     db,
		tokens: tokens,
		log:    log.Named("auth"),
	}
}

// LoginRequest 登录请求结构
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应结构
type LoginResponse struct {
	Token    string      `json:"token"`
	User     *model.User `json:"user"`
	ExpireAt int64       `json:"expire_at"`
}

// Login 用户登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	var user model.User
	if err := h.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		fail(c, http.StatusUnauthorized, "用户名或密码错误")
		return
	}
	if !auth.VerifyPassword(req.Password, user.Password) {
		h.log.Warnf("登录失败: %s (%s)", req.Username, c.ClientIP())
		fail(c, http.StatusUnauthorized, "用户名或密码错误")
		return
	}
	if !user.IsActive {
		fail(c, http.StatusForbidden, "用户账号已被禁用")
		return
	}

	token, expireAt, err := h.tokens.Issue(user.ID, user.Username)
	if err != nil {
		h.log.Errorf("生成令牌失败: %v", err)
		fail(c, http.StatusInternalServerError, "生成令牌失败")
		return
	}

	now := time.Now()
	user.LastLogin = &now
	if err := h.db.Model(&user).Update("last_login", now).Error; err != nil {
		h.log.Warnf("更新登录时间失败: %v", err)
	}

	success(c, LoginResponse{
		Token:    token,
		User:     &user,
		ExpireAt: expireAt.Unix(),
	}, "登录成功")
}

// Me 获取当前用户信息
func (h *AuthHandler) Me(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		fail(c, http.StatusUnauthorized, "未认证")
		return
	}

	var user model.User
	if err := h.db.First(&user, userID).Error; err != nil {
		fail(c, http.StatusNotFound, "用户不存在")
		return
	}
	success(c, user, "success")
}
