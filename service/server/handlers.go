package server

import (
	"net/http"
	"strings"

	"PPSync/middleware/security"
	"PPSync/module/chat/model"
	"PPSync/service/api"
	"PPSync/tools/errs"
	jwtsec "PPSync/tools/security"

	"github.com/gin-gonic/gin"
)

// Login issues a token for the claimed identity. The reference server has no
// credential store; deployments put it behind their own identity provider.
func (s *Server) Login(c *gin.Context) error {
	var req api.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return errs.ErrInvalidArgument.WrapMsg(err.Error())
	}
	req.MemberID = strings.TrimSpace(req.MemberID)
	if req.MemberID == "" {
		return errs.ErrInvalidArgument.WrapMsg("missing member id")
	}
	token, exp, err := jwtsec.Generate(s.conf.JWT, req.MemberID, req.DisplayName)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, api.LoginResponse{Token: token, ExpiresAt: exp})
	return nil
}

// Join adds the caller to the conversation. Without OpenJoin only the first member
// of an empty conversation gets in; later joins are refused.
func (s *Server) Join(c *gin.Context) error {
	ctx := c.Request.Context()
	conv := c.Param("conv")
	self := model.Member{ID: security.MemberID(c), DisplayName: security.MemberName(c)}
	if !s.conf.OpenJoin {
		list, err := s.deps.Members.Members(ctx, conv)
		if err != nil {
			return err
		}
		if len(list) > 0 {
			ok, err := s.deps.Members.IsMember(ctx, conv, self.ID)
			if err != nil {
				return err
			}
			if !ok {
				return errs.ErrForbidden.WrapMsg("conversation is closed", "conversation", conv)
			}
		}
	}
	if err := s.deps.Members.AddMember(ctx, conv, self); err != nil {
		return err
	}
	c.JSON(http.StatusOK, self)
	return nil
}

func (s *Server) ListMembers(c *gin.Context) error {
	list, err := s.deps.Members.Members(c.Request.Context(), c.Param("conv"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, api.Items[model.Member]{Items: list})
	return nil
}

func (s *Server) GetMember(c *gin.Context) error {
	m, err := s.deps.Members.Member(c.Request.Context(), c.Param("member"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, m)
	return nil
}

func (s *Server) GetPresence(c *gin.Context) error {
	if s.deps.Presence == nil {
		return errs.ErrNotFound.WrapMsg("presence disabled")
	}
	online, err := s.deps.Presence.Lookup(c.Request.Context(), c.Param("member"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"memberId": c.Param("member"), "online": online})
	return nil
}

func (s *Server) ListMessages(c *gin.Context) error {
	list, err := s.deps.Messages.Recent(c.Request.Context(), c.Param("conv"), s.conf.HistoryLimit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []model.Message{}
	}
	c.JSON(http.StatusOK, api.Items[model.Message]{Items: list})
	return nil
}

// SendMessage persists the message and publishes it. A retry carrying the same
// client id gets the first stored copy back.
func (s *Server) SendMessage(c *gin.Context) error {
	var req api.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return errs.ErrInvalidArgument.WrapMsg(err.Error())
	}
	if strings.TrimSpace(req.Content) == "" && (req.Attachment == nil || req.Attachment.URL == "") {
		return errs.ErrInvalidArgument.WrapMsg("empty message")
	}
	ctx := c.Request.Context()
	conv := c.Param("conv")
	m := model.Message{
		ID:             newMessageID(),
		ConversationID: conv,
		SenderID:       security.MemberID(c),
		SenderName:     security.MemberName(c),
		Content:        req.Content,
		Attachment:     req.Attachment,
		CreatedAt:      s.conf.Clock().UTC(),
	}
	saved, err := s.deps.Messages.Save(ctx, m, req.ClientID)
	if err != nil {
		return err
	}
	if saved.ID == m.ID {
		s.publish(ctx, model.EventMessage, conv, saved.ID, saved)
	}
	c.JSON(http.StatusOK, saved)
	return nil
}

func (s *Server) MarkRead(c *gin.Context) error {
	ctx := c.Request.Context()
	conv, msgID := c.Param("conv"), c.Param("msg")
	if _, err := s.deps.Messages.Get(ctx, conv, msgID); err != nil {
		return err
	}
	r := model.ReadReceipt{MessageID: msgID, ReaderID: security.MemberID(c), ReadAt: s.conf.Clock().UTC()}
	added, err := s.deps.Reads.MarkRead(ctx, conv, msgID, r.ReaderID, r.ReadAt)
	if err != nil {
		return err
	}
	if added {
		s.publish(ctx, model.EventRead, conv, msgID+":"+r.ReaderID, r)
	}
	c.Status(http.StatusNoContent)
	return nil
}

func (s *Server) ListReads(c *gin.Context) error {
	list, err := s.deps.Reads.Reads(c.Request.Context(), c.Param("conv"), c.Param("msg"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, api.Items[model.ReadReceipt]{Items: list})
	return nil
}

// Typing relays a typing notification; nothing is stored.
func (s *Server) Typing(c *gin.Context) error {
	var req api.TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return errs.ErrInvalidArgument.WrapMsg(err.Error())
	}
	conv := c.Param("conv")
	ev := model.TypingEvent{
		ConversationID: conv,
		MemberID:       security.MemberID(c),
		DisplayName:    security.MemberName(c),
		IsTyping:       req.IsTyping,
		At:             s.conf.Clock().UTC(),
	}
	s.publish(c.Request.Context(), model.EventTyping, conv, "t-"+newMessageID(), ev)
	c.Status(http.StatusAccepted)
	return nil
}
