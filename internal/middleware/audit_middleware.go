package middleware

import (
	log "github.com/sirupsen/logrus"
)

// AuditMiddleware 记录每一次 PASS 校验及其结果
func AuditMiddleware(logger *log.Entry) MiddlewareFunc {
	return func(next AuthHandlerFunc) AuthHandlerFunc {
		return func(ctx *AuthContext) (*Permissions, error) {
			fields := log.Fields{
				"user":   ctx.User,
				"method": ctx.AuthMethod,
			}
			if ctx.RemoteAddr != nil {
				fields["peer"] = ctx.RemoteAddr.String()
			}
			if ctx.Session != "" {
				fields["session"] = ctx.Session
			}
			entry := logger.WithFields(fields)

			permissions, err := next(ctx)
			switch {
			case err != nil:
				entry.WithError(err).Info("认证失败")
			case permissions == nil:
				entry.Info("认证未返回权限")
			default:
				entry.WithField("root", permissions.Root).Info("认证成功")
			}
			return permissions, err
		}
	}
}
