package middleware

import (
	"net"
)

// AuthContext 存储一次 PASS 校验过程中的上下文信息
// 它会在中间件之间以及中间件和核心认证处理器之间传递
type AuthContext struct {
	User       string   // USER 命令给出的用户名
	RemoteAddr net.Addr // 控制连接的对端地址
	AuthMethod string   // 认证方式, 目前只有 "password"
	Session    string   // 会话 ID, 仅用于日志
	// 用于中间件存储自定义数据 (例如 "password"), 避免 AuthContext 结构膨胀
	customData map[string]interface{}
	// 标记请求是否已被某个中间件处理并终止
	isAborted bool
	// 存储发生的错误, 中间件可以设置此错误
	err error
}

// NewAuthContext 创建一个新的 AuthContext 实例
func NewAuthContext(user string, remoteAddr net.Addr, authMethod string) *AuthContext {
	return &AuthContext{
		User:       user,
		RemoteAddr: remoteAddr,
		AuthMethod: authMethod,
		customData: make(map[string]interface{}),
	}
}

// Set 将自定义数据存入上下文
func (c *AuthContext) Set(key string, value interface{}) {
	if c.customData == nil {
		c.customData = make(map[string]interface{})
	}
	c.customData[key] = value
}

// Get 从上下文中获取自定义数据
func (c *AuthContext) Get(key string) (interface{}, bool) {
	value, exists := c.customData[key]
	return value, exists
}

// Password 返回存入上下文的明文密码
func (c *AuthContext) Password() (string, bool) {
	v, ok := c.Get("password")
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Abort 标记请求处理链终止
func (c *AuthContext) Abort() {
	c.isAborted = true
}

// AbortWithError 标记请求处理链终止, 并记录一个错误
func (c *AuthContext) AbortWithError(err error) {
	c.err = err
	c.Abort()
}

// IsAborted 返回请求是否已被标记为终止
func (c *AuthContext) IsAborted() bool {
	return c.isAborted
}

// Error 返回在处理过程中发生的错误 (如果有)
func (c *AuthContext) Error() error {
	return c.err
}

// Permissions 描述认证成功后会话获得的权限
type Permissions struct {
	// Root 是会话的 jail 根目录 (绝对路径), 空值表示 "/"
	Root string
	// Source 记录是哪个用户后端认证成功的 ("table", "system")
	Source string
}

// AuthHandlerFunc 定义了核心认证逻辑的函数签名
type AuthHandlerFunc func(*AuthContext) (*Permissions, error)

// MiddlewareFunc 定义了认证中间件的函数签名
// 它接收下一个处理器并返回封装了中间件逻辑的处理器
type MiddlewareFunc func(AuthHandlerFunc) AuthHandlerFunc

// ChainBuilder 用于构建中间件链
type ChainBuilder struct {
	middlewares []MiddlewareFunc
}

// NewChainBuilder 创建一个新的 ChainBuilder
func NewChainBuilder() *ChainBuilder {
	return &ChainBuilder{}
}

// Use 添加一个或多个中间件到链中, 按添加顺序执行
func (cb *ChainBuilder) Use(middlewares ...MiddlewareFunc) *ChainBuilder {
	cb.middlewares = append(cb.middlewares, middlewares...)
	return cb
}

// Then 将注册的中间件与最终的核心处理函数结合
func (cb *ChainBuilder) Then(finalHandler AuthHandlerFunc) AuthHandlerFunc {
	return Chain(finalHandler, cb.middlewares...)
}

// Chain 将一组中间件与一个核心处理函数链接起来
// 第一个中间件最先执行, 最后一个中间件在核心处理函数之前执行
func Chain(finalHandler AuthHandlerFunc, middlewares ...MiddlewareFunc) AuthHandlerFunc {
	if finalHandler == nil {
		finalHandler = func(ctx *AuthContext) (*Permissions, error) {
			if ctx.IsAborted() {
				return nil, ctx.Error()
			}
			return nil, nil
		}
	}

	chainedHandler := finalHandler
	for i := len(middlewares) - 1; i >= 0; i-- {
		chainedHandler = middlewares[i](chainedHandler)
	}
	return chainedHandler
}
