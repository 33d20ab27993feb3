package server

import (
	"errors"
	"fmt"

	"ftpd/internal/middleware"
	"ftpd/system"

	log "github.com/sirupsen/logrus"
)

// CorePasswordAuthenticator 返回认证链末端的核心处理器.
// 先查内置用户表; 未找到且 systemUsers 为 true 时再查系统账户 (/etc/shadow).
func CorePasswordAuthenticator(users *system.Users, systemUsers bool, logger *log.Entry) middleware.AuthHandlerFunc {
	return func(authCtx *middleware.AuthContext) (*middleware.Permissions, error) {
		if authCtx.IsAborted() {
			return nil, authCtx.Error()
		}
		password, ok := authCtx.Password()
		if !ok {
			return nil, fmt.Errorf("password not found in auth context for user %s", authCtx.User)
		}

		rec, err := users.Check(authCtx.User, password)
		if err == nil {
			return &middleware.Permissions{Root: rec.Root, Source: "table"}, nil
		}
		if !errors.Is(err, system.ErrUserNotFound) || !systemUsers {
			return nil, err
		}

		rec, err = system.CheckSystemUser(authCtx.User, password)
		if err != nil {
			if !errors.Is(err, system.ErrUserNotFound) && !errors.Is(err, system.ErrAuthFailed) {
				logger.WithError(err).WithField("user", authCtx.User).Warn("系统用户认证出错")
			}
			return nil, err
		}
		return &middleware.Permissions{Root: rec.Root, Source: "system"}, nil
	}
}
