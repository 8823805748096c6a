package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xaenox/mentor-bot/internal/apperr"
	"github.com/xaenox/mentor-bot/internal/chat"
	"github.com/xaenox/mentor-bot/internal/identity"
	"github.com/xaenox/mentor-bot/internal/models"
)

type chatRequest struct {
	Message string   `json:"message"`
	ChatID  string   `json:"chat_id"`
	FileIDs []string `json:"file_ids"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortWithError(c, s.logger, apperr.Validation("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// principal is set by authenticate on every route that reaches it.
func principal(c *gin.Context) *identity.Principal {
	p, _ := principalFrom(c)
	return p
}

func (s *Server) handleChat(c *gin.Context) {
	credential := c.GetHeader("Authorization")

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Identity failures are reported ahead of a malformed body.
		if _, authErr := s.svc.AuthenticatePremium(c.Request.Context(), credential); authErr != nil {
			abortWithError(c, s.logger, authErr)
			return
		}
		abortWithError(c, s.logger, apperr.Validation("invalid request body: "+err.Error()))
		return
	}

	reply, err := s.svc.HandleTurn(c.Request.Context(), chat.TurnRequest{
		Credential: credential,
		Text:       req.Message,
		SessionID:  req.ChatID,
		FileIDs:    req.FileIDs,
	})
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (s *Server) handleCreateChat(c *gin.Context) {
	session, err := s.svc.CreateSession(c.Request.Context(), principal(c).UserID)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chat_id": session.ID, "chat": session})
}

func (s *Server) handleListChats(c *gin.Context) {
	history, err := s.svc.ListHistory(c.Request.Context(), principal(c).UserID)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": history})
}

func (s *Server) handleChatMessages(c *gin.Context) {
	chatWithMessages, err := s.svc.GetSessionMessages(c.Request.Context(), principal(c).UserID, c.Param("id"))
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, chatWithMessages)
}

func (s *Server) handleDeleteChat(c *gin.Context) {
	if err := s.svc.DeleteSession(c.Request.Context(), principal(c).UserID, c.Param("id")); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "chat deleted"})
}

func (s *Server) handleDeleteHistory(c *gin.Context) {
	deleted, err := s.svc.DeleteHistory(c.Request.Context(), principal(c).UserID)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "history deleted", "deleted": deleted})
}

func (s *Server) handleThreadHistory(c *gin.Context) {
	threadID, msgs, err := s.svc.ThreadHistory(c.Request.Context(), principal(c).UserID)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID, "messages": msgs})
}

func (s *Server) handleClearThread(c *gin.Context) {
	threadID, err := s.svc.ClearThread(c.Request.Context(), principal(c).UserID)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation cleared", "new_thread_id": threadID})
}

func (s *Server) handleUpload(c *gin.Context) {
	// Multipart framing needs a little headroom above the file limit.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes+1<<20)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithError(c, s.logger, apperr.Validation("file too large"))
			return
		}
		abortWithError(c, s.logger, apperr.Validation("file is required"))
		return
	}
	if fh.Size > s.cfg.MaxUploadBytes {
		abortWithError(c, s.logger, apperr.Validation("file too large"))
		return
	}

	f, err := fh.Open()
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}

	att, err := s.svc.UploadFile(c.Request.Context(), principal(c).UserID, fh.Filename, data)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, att)
}

func (s *Server) handleAnalyzeImage(c *gin.Context) {
	var req chat.ImageAnalysisRequest
	if !s.bindJSON(c, &req) {
		return
	}

	reply, err := s.svc.AnalyzeImage(c.Request.Context(), principal(c).UserID, req)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (s *Server) handleGetProfile(c *gin.Context) {
	user, err := s.svc.GetProfile(c.Request.Context(), principal(c).UserID)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) handleUpdateProfile(c *gin.Context) {
	var update models.ProfileUpdate
	if !s.bindJSON(c, &update) {
		return
	}

	user, err := s.svc.UpdateProfile(c.Request.Context(), principal(c).UserID, update)
	if err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) handleChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if !s.bindJSON(c, &req) {
		return
	}

	if err := s.svc.ChangePassword(c.Request.Context(), principal(c).UserID, req.CurrentPassword, req.NewPassword); err != nil {
		abortWithError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}

func (s *Server) handleRole(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"role": s.svc.Role(c.Request.Context(), principal(c).UserID)})
}
