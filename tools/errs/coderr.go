package errs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

const (
	ServerInternalError = 500
	TransientNetwork    = 1001 // fetch rejected or non-2xx
	SendFailed          = 1002 // optimistic send could not be persisted
	MalformedPayload    = 1003 // missing conversation or message id
	ConnectionFailed    = 1004 // push channel could not be established
	NotReady            = 1005
	ConnectInFlight     = 1006
	Unauthorized        = 1401
	Forbidden           = 1403
	NotFound            = 1404
	InvalidArgument     = 1400
)

var (
	ErrTransient       = NewCodeError(TransientNetwork, "transient network failure")
	ErrSendFailed      = NewCodeError(SendFailed, "send message failed")
	ErrMalformed       = NewCodeError(MalformedPayload, "malformed payload")
	ErrConnection      = NewCodeError(ConnectionFailed, "push connection failed")
	ErrNotReady        = NewCodeError(NotReady, "push channel not ready")
	ErrConnectInFlight = NewCodeError(ConnectInFlight, "connect already in flight")
	ErrUnauthorized    = NewCodeError(Unauthorized, "unauthorized")
	ErrForbidden       = NewCodeError(Forbidden, "forbidden")
	ErrNotFound        = NewCodeError(NotFound, "not found")
	ErrInvalidArgument = NewCodeError(InvalidArgument, "invalid argument")
)

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e CodeError) WithDetail(detail string) CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

// Wrap attaches a stack trace to the coded error.
func (e CodeError) Wrap() error {
	return pkgerrors.WithStack(e)
}

// WrapMsg appends msg and key/value pairs to the detail and attaches a stack trace.
func (e CodeError) WrapMsg(msg string, kv ...any) error {
	ret := e
	if msg != "" || len(kv) > 0 {
		ret = e.WithDetail(toString(msg, kv))
	}
	return pkgerrors.WithStack(ret)
}

// Is matches any CodeError carrying the same code, regardless of detail.
func (e CodeError) Is(target error) bool {
	var other CodeError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

func (e CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Code returns the code of the first CodeError in err's chain, or 0.
func Code(err error) int {
	var ce CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

func WrapMsg(err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, toString(msg, kv))
}

func New(msg string, kv ...any) error {
	return pkgerrors.New(toString(msg, kv))
}

func toString(msg string, kv []any) string {
	if len(kv) == 0 {
		return msg
	}
	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i < len(kv); i += 2 {
		if sb.Len() > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprint(kv[i]))
		sb.WriteString("=")
		if i+1 < len(kv) {
			sb.WriteString(fmt.Sprint(kv[i+1]))
		} else {
			sb.WriteString("MISSING")
		}
	}
	return sb.String()
}
