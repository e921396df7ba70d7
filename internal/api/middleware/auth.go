package middleware

import (
	"context"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
	"github.com/rs/zerolog"

	"resume-feedback/internal/apperr"
)

// UserIDKey 认证通过后用户ID在请求上下文中的键
const UserIDKey = "user_id"

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// BearerAuth 校验 Authorization: Bearer <token>，token 通过 tokens 映射到用户ID
func BearerAuth(tokens map[string]string, logger *zerolog.Logger) app.HandlerFunc {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return keyauth.New(
		keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
		keyauth.WithValidator(func(ctx context.Context, c *app.RequestContext, key string) (bool, error) {
			userID, ok := tokens[strings.TrimSpace(key)]
			if !ok || userID == "" {
				return false, nil
			}
			c.Set(UserIDKey, userID)
			return true, nil
		}),
		keyauth.WithErrorHandler(func(ctx context.Context, c *app.RequestContext, err error) {
			logger.Warn().Err(err).Str("path", string(c.Path())).Msg("认证失败")
			c.AbortWithStatusJSON(consts.StatusUnauthorized, errorBody{
				Code:    apperr.CodePermission,
				Message: "Missing or invalid access token.",
			})
		}),
	)
}

// UserID 认证中间件写入的用户ID
func UserID(c *app.RequestContext) string {
	return c.GetString(UserIDKey)
}
