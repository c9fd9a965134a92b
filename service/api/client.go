package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/model"
	"PPSync/tools/errs"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Route templates shared with the reference server.
const (
	PathMessages     = "/api/v1/conversations/{conv}/messages"
	PathMarkRead     = "/api/v1/conversations/{conv}/messages/{msg}/read"
	PathReads        = "/api/v1/conversations/{conv}/messages/{msg}/reads"
	PathTyping       = "/api/v1/conversations/{conv}/typing"
	PathConvMembers  = "/api/v1/conversations/{conv}/members"
	PathMember       = "/api/v1/members/{member}"
	PathLogin        = "/api/v1/login"
	defaultUserAgent = "ppsync-client"
)

// Items is the list response body.
type Items[T any] struct {
	Items []T `json:"items"`
}

// SendRequest is the body of a message send.
type SendRequest struct {
	Content    string            `json:"content,omitempty"`
	Attachment *model.Attachment `json:"attachment,omitempty"`
	ClientID   string            `json:"clientId,omitempty"`
}

// TypingRequest is the body of a typing notification.
type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// LoginRequest exchanges a member identity for a bearer token.
type LoginRequest struct {
	MemberID    string `json:"memberId"`
	DisplayName string `json:"displayName"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Conf struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration // per request, default 10s
	Retries   int           // retries on 5xx and transport errors, default 2, negative disables
	RetryWait time.Duration // default 200ms
	Logger    *zap.Logger
}

func (c *Conf) norm() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = 2
	}
	if c.RetryWait <= 0 {
		c.RetryWait = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = logger.Log
	}
}

// Client talks to the chat backend over HTTP. It satisfies session.Backend.
type Client struct {
	rc  *resty.Client
	log *zap.Logger
}

func New(conf Conf) *Client {
	conf.norm()
	rc := resty.New().
		SetBaseURL(conf.BaseURL).
		SetTimeout(conf.Timeout).
		SetRetryCount(conf.Retries).
		SetRetryWaitTime(conf.RetryWait).
		SetRetryMaxWaitTime(4*conf.RetryWait).
		SetHeader("User-Agent", defaultUserAgent).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if conf.Token != "" {
		rc.SetAuthToken(conf.Token)
	}
	return &Client{rc: rc, log: conf.Logger.Named("api")}
}

// SetToken replaces the bearer token for subsequent requests.
func (c *Client) SetToken(token string) { c.rc.SetAuthToken(token) }

// Login obtains a token and installs it on the client.
func (c *Client) Login(ctx context.Context, memberID, displayName string) (LoginResponse, error) {
	var out LoginResponse
	resp, err := c.rc.R().SetContext(ctx).
		SetBody(LoginRequest{MemberID: memberID, DisplayName: displayName}).
		SetResult(&out).
		Post(PathLogin)
	if err := c.check(resp, err, "login"); err != nil {
		return LoginResponse{}, err
	}
	c.SetToken(out.Token)
	return out, nil
}

func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out Items[model.Message]
	resp, err := c.rc.R().SetContext(ctx).
		SetPathParam("conv", conversationID).
		SetResult(&out).
		Get(PathMessages)
	if err := c.check(resp, err, "fetch messages"); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID string, m model.Message) (model.Message, error) {
	var out model.Message
	resp, err := c.rc.R().SetContext(ctx).
		SetPathParam("conv", conversationID).
		SetBody(SendRequest{Content: m.Content, Attachment: m.Attachment, ClientID: m.ID}).
		SetResult(&out).
		Post(PathMessages)
	if err := c.check(resp, err, "send message"); err != nil {
		return model.Message{}, err
	}
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID, messageID string) error {
	resp, err := c.rc.R().SetContext(ctx).
		SetPathParams(map[string]string{"conv": conversationID, "msg": messageID}).
		Post(PathMarkRead)
	return c.check(resp, err, "mark read")
}

func (c *Client) FetchReads(ctx context.Context, conversationID, messageID string) ([]model.ReadReceipt, error) {
	var out Items[model.ReadReceipt]
	resp, err := c.rc.R().SetContext(ctx).
		SetPathParams(map[string]string{"conv": conversationID, "msg": messageID}).
		SetResult(&out).
		Get(PathReads)
	if err := c.check(resp, err, "fetch reads"); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) ConversationMembers(ctx context.Context, conversationID string) ([]model.Member, error) {
	var out Items[model.Member]
	resp, err := c.rc.R().SetContext(ctx).
		SetPathParam("conv", conversationID).
		SetResult(&out).
		Get(PathConvMembers)
	if err := c.check(resp, err, "conversation members"); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Join adds the caller to a conversation.
func (c *Client) Join(ctx context.Context, conversationID string) error {
	resp, err := c.rc.R().SetContext(ctx).
		SetPathParam("conv", conversationID).
		Post(PathConvMembers)
	return c.check(resp, err, "join")
}

func (c *Client) Member(ctx context.Context, memberID string) (model.Member, error) {
	var out model.Member
	resp, err := c.rc.R().SetContext(ctx).
		SetPathParam("member", memberID).
		SetResult(&out).
		Get(PathMember)
	if err := c.check(resp, err, "member"); err != nil {
		return model.Member{}, err
	}
	return out, nil
}

func (c *Client) PublishTyping(ctx context.Context, conversationID string, isTyping bool) error {
	resp, err := c.rc.R().SetContext(ctx).
		SetPathParam("conv", conversationID).
		SetBody(TypingRequest{IsTyping: isTyping}).
		Post(PathTyping)
	return c.check(resp, err, "publish typing")
}

// check maps transport failures and non-2xx statuses onto coded errors.
func (c *Client) check(resp *resty.Response, err error, op string) error {
	if err != nil {
		var ue *url.Error
		c.log.Debug("request failed", zap.String("op", op), zap.Error(err))
		if errors.As(err, &ue) && ue.Timeout() {
			return errs.ErrTransient.WrapMsg("timeout", "op", op)
		}
		return errs.ErrTransient.WrapMsg(err.Error(), "op", op)
	}
	if resp.IsSuccess() {
		return nil
	}
	status := resp.StatusCode()
	c.log.Debug("request rejected", zap.String("op", op), zap.Int("status", status))
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.ErrUnauthorized.WrapMsg(op, "status", status)
	case http.StatusNotFound:
		return errs.ErrNotFound.WrapMsg(op, "status", status)
	case http.StatusBadRequest:
		return errs.ErrInvalidArgument.WrapMsg(op, "status", status, "body", resp.String())
	default:
		return errs.ErrTransient.WrapMsg(op, "status", status)
	}
}
