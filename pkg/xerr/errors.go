package xerr

import (
	"errors"
	"fmt"
)

// 常用错误码定义
const (
	OK                 = 200
	ServerCommonError  = 500
	RequestParamsError = 400
	DbError            = 501
	RecordNotFound     = 404

	ConfigError   = 600 // 配置缺失/非法，启动即失败
	ChainRpcError = 601 // 链上 RPC 调用失败 (可重试)
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

// Is 让 errors.Is 按错误码比较
func (e *CodeError) Is(target error) bool {
	var t *CodeError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Msg == "" || t.Msg == e.Msg)
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// NewConfigError 配置错误，field 为配置项名称 (不能带配置值，可能是密钥)
func NewConfigError(field string, reason string) error {
	return &CodeError{Code: ConfigError, Msg: fmt.Sprintf("config %s: %s", field, reason)}
}

// CodeOf 取出错误链上的错误码，没有则返回 ServerCommonError
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// IsCode 判断错误链上是否存在指定错误码
func IsCode(err error, code int) bool {
	var ce *CodeError
	return errors.As(err, &ce) && ce.Code == code
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case RequestParamsError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case ConfigError:
		return "配置错误"
	case ChainRpcError:
		return "链上节点繁忙"
	default:
		return "未知错误"
	}
}
