// Package api is the HTTP surface of the email subsystem.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Arcneell/Inframate/internal/email/connector"
	"github.com/Arcneell/Inframate/internal/email/inbound/postmaster"
	"github.com/Arcneell/Inframate/internal/email/provider"
	"github.com/Arcneell/Inframate/internal/mailstore"
	"github.com/Arcneell/Inframate/internal/middleware"
	"github.com/Arcneell/Inframate/internal/secrets"
)

// ConfigStore persists provider configurations.
type ConfigStore interface {
	Get(ctx context.Context, id int64) (*provider.Configuration, error)
	List(ctx context.Context) ([]*provider.Configuration, error)
	Create(ctx context.Context, cfg *provider.Configuration) error
	Update(ctx context.Context, cfg *provider.Configuration) error
	Delete(ctx context.Context, id int64) error
}

// ConfigTester proves a configuration's credentials work.
type ConfigTester interface {
	Test(ctx context.Context, cfg *provider.Configuration) provider.TestResult
}

// Poller runs one poll over every inbound mailbox.
type Poller interface {
	PollAll(ctx context.Context) (postmaster.Summary, error)
}

// SentLister lists the outbound send log.
type SentLister interface {
	List(ctx context.Context, f mailstore.SentFilter) ([]*mailstore.SentEmail, error)
}

// InboundLister lists stored inbound messages.
type InboundLister interface {
	List(ctx context.Context, f mailstore.InboundFilter) ([]*mailstore.InboundEmail, error)
}

// TransportCache drops cached transports when a configuration changes.
type TransportCache interface {
	Forget(configID int64)
}

// EmailHandler serves the /api/v1/email routes.
type EmailHandler struct {
	Configs     ConfigStore
	Tester      ConfigTester
	Transports  connector.Factory
	Cache       TransportCache
	Poller      Poller
	Sent        SentLister
	Inbound     InboundLister
	Logger      *slog.Logger
	CallTimeout time.Duration
}

// Register mounts the email routes on rg.
func (h *EmailHandler) Register(rg *gin.RouterGroup) {
	email := rg.Group("/email")
	email.GET("/configs", h.listConfigs)
	email.POST("/configs", h.createConfig)
	email.POST("/configs/test", h.testUnsavedConfig)
	email.GET("/configs/:id", h.getConfig)
	email.PUT("/configs/:id", h.updateConfig)
	email.DELETE("/configs/:id", h.deleteConfig)
	email.POST("/configs/:id/test", h.testConfig)
	email.GET("/configs/:id/folders", h.listFolders)
	email.GET("/configs/:id/mailboxes", h.listMailboxes)
	email.POST("/poll", h.poll)
	email.GET("/sent", h.listSent)
	email.GET("/inbound", h.listInbound)
}

func (h *EmailHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *EmailHandler) listConfigs(c *gin.Context) {
	configs, err := h.Configs.List(c.Request.Context())
	if err != nil {
		h.serverError(c, "Failed to load email configurations", err)
		return
	}
	out := make([]*provider.Configuration, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, cfg.Redacted())
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
}

func (h *EmailHandler) getConfig(c *gin.Context) {
	cfg, ok := h.loadConfig(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": cfg.Redacted()})
}

func (h *EmailHandler) createConfig(c *gin.Context) {
	var cfg provider.Configuration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		sendErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	cfg.ID = 0
	if err := h.Configs.Create(c.Request.Context(), &cfg); err != nil {
		h.writeStoreError(c, "Failed to create email configuration", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": cfg.Redacted()})
}

func (h *EmailHandler) updateConfig(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var cfg provider.Configuration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		sendErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	cfg.ID = id
	if err := h.Configs.Update(c.Request.Context(), &cfg); err != nil {
		h.writeStoreError(c, "Failed to update email configuration", err)
		return
	}
	h.forget(id)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": cfg.Redacted()})
}

func (h *EmailHandler) deleteConfig(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Configs.Delete(c.Request.Context(), id); err != nil {
		h.writeStoreError(c, "Failed to delete email configuration", err)
		return
	}
	h.forget(id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *EmailHandler) testConfig(c *gin.Context) {
	cfg, ok := h.loadConfig(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.Tester.Test(c.Request.Context(), cfg))
}

func (h *EmailHandler) testUnsavedConfig(c *gin.Context) {
	var cfg provider.Configuration
	if err := c.ShouldBindJSON(&cfg); err != nil {
		sendErrorResponse(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	c.JSON(http.StatusOK, h.Tester.Test(c.Request.Context(), &cfg))
}

func (h *EmailHandler) listFolders(c *gin.Context) {
	transport, ok := h.transport(c)
	if !ok {
		return
	}
	lister, ok := transport.(connector.FolderLister)
	if !ok {
		sendErrorResponse(c, http.StatusNotImplemented, "Folder discovery is not supported by "+transport.Name())
		return
	}
	ctx, cancel := h.callContext(c)
	defer cancel()
	folders, err := lister.ListFolders(ctx, c.Query("parent_id"))
	if err != nil {
		h.transportError(c, "Failed to list folders", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": folders})
}

func (h *EmailHandler) listMailboxes(c *gin.Context) {
	transport, ok := h.transport(c)
	if !ok {
		return
	}
	lister, ok := transport.(connector.MailboxLister)
	if !ok {
		sendErrorResponse(c, http.StatusNotImplemented, "Mailbox discovery is not supported by "+transport.Name())
		return
	}
	ctx, cancel := h.callContext(c)
	defer cancel()
	mailboxes, err := lister.ListMailboxes(ctx)
	if err != nil {
		h.transportError(c, "Failed to list mailboxes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": mailboxes})
}

func (h *EmailHandler) poll(c *gin.Context) {
	sum, err := h.Poller.PollAll(c.Request.Context())
	if err != nil {
		h.serverError(c, "Failed to poll mailboxes", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": sum})
}

func (h *EmailHandler) listSent(c *gin.Context) {
	var f mailstore.SentFilter
	var ok bool
	if f.TicketID, ok = queryID(c, "ticket_id"); !ok {
		return
	}
	if f.ConfigID, ok = queryID(c, "config_id"); !ok {
		return
	}
	f.Status = mailstore.SendStatus(c.Query("status"))
	f.Limit, f.Offset = paging(c)
	rows, err := h.Sent.List(c.Request.Context(), f)
	if err != nil {
		h.serverError(c, "Failed to load sent emails", err)
		return
	}
	if rows == nil {
		rows = []*mailstore.SentEmail{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rows})
}

func (h *EmailHandler) listInbound(c *gin.Context) {
	var f mailstore.InboundFilter
	var ok bool
	if f.ConfigID, ok = queryID(c, "config_id"); !ok {
		return
	}
	f.Status = mailstore.ProcessingStatus(c.Query("status"))
	f.Limit, f.Offset = paging(c)
	rows, err := h.Inbound.List(c.Request.Context(), f)
	if err != nil {
		h.serverError(c, "Failed to load inbound emails", err)
		return
	}
	if rows == nil {
		rows = []*mailstore.InboundEmail{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": rows})
}

func (h *EmailHandler) loadConfig(c *gin.Context) (*provider.Configuration, bool) {
	id, ok := pathID(c)
	if !ok {
		return nil, false
	}
	cfg, err := h.Configs.Get(c.Request.Context(), id)
	if err != nil {
		h.writeStoreError(c, "Failed to load email configuration", err)
		return nil, false
	}
	return cfg, true
}

func (h *EmailHandler) transport(c *gin.Context) (connector.Transport, bool) {
	cfg, ok := h.loadConfig(c)
	if !ok {
		return nil, false
	}
	t, err := h.Transports.TransportFor(cfg.Settings())
	if err != nil {
		sendErrorResponse(c, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return t, true
}

func (h *EmailHandler) callContext(c *gin.Context) (context.Context, context.CancelFunc) {
	timeout := h.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}

func (h *EmailHandler) forget(id int64) {
	if h.Cache != nil {
		h.Cache.Forget(id)
	}
}

func (h *EmailHandler) writeStoreError(c *gin.Context, message string, err error) {
	var invalid *provider.ValidationError
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": invalid.Error(), "fields": invalid.Fields})
	case errors.Is(err, provider.ErrConfigurationInvalid):
		sendErrorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrNotFound):
		sendErrorResponse(c, http.StatusNotFound, "Email configuration not found")
	case errors.Is(err, secrets.ErrDecryptionFailed):
		sendErrorResponse(c, http.StatusConflict, "Stored credentials cannot be decrypted with the configured key")
	default:
		h.serverError(c, message, err)
	}
}

func (h *EmailHandler) transportError(c *gin.Context, message string, err error) {
	_ = c.Error(err)
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, connector.ErrAuthenticationFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, connector.ErrNotFound):
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"success": false, "error": message, "detail": err.Error()})
}

func (h *EmailHandler) serverError(c *gin.Context, message string, err error) {
	_ = c.Error(err)
	h.logger().Error(message, "route", c.FullPath(), "request_id", middleware.RequestIDFrom(c.Request.Context()), "error", err)
	sendErrorResponse(c, http.StatusInternalServerError, message)
}

func sendErrorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error":   message,
	})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		sendErrorResponse(c, http.StatusBadRequest, "Invalid configuration ID")
		return 0, false
	}
	return id, true
}

func queryID(c *gin.Context, name string) (*int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		sendErrorResponse(c, http.StatusBadRequest, "Invalid "+name)
		return nil, false
	}
	return &id, true
}

func paging(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}
