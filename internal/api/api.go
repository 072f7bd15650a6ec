// Package api serves the HTTP management API: views, contacts and the
// websocket change streams.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-addressbook/internal/addressbook"
	"github.com/celerix-dev/celerix-addressbook/internal/engine"
	"github.com/celerix-dev/celerix-addressbook/internal/metrics"
	"github.com/celerix-dev/celerix-addressbook/internal/query"
	"github.com/celerix-dev/celerix-addressbook/internal/vcard"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

const (
	transport = "http"
	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 4 << 20
)

type Handler struct {
	Book    *addressbook.AddressBook
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type createRequest struct {
	VCard string `json:"vcard" binding:"required"`
}

type updateRequest struct {
	VCards []string `json:"vcards" binding:"required,min=1"`
}

type removeRequest struct {
	IDs []string `json:"ids" binding:"required,min=1,dive,required"`
}

type sortRequest struct {
	Sort string `json:"sort"`
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Register mounts the API routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.Use(h.observe)

	r.GET("/sort-fields", h.GetSortFields)
	r.GET("/sources", h.GetSources)

	r.POST("/views", h.OpenView)
	r.GET("/views/:id/count", h.GetCount)
	r.GET("/views/:id/contacts", h.GetContacts)
	r.PUT("/views/:id/sort", h.Resort)
	r.DELETE("/views/:id", h.CloseView)
	r.GET("/views/:id/events", h.ViewEvents)

	r.GET("/contacts/:id", h.GetContact)
	r.POST("/contacts", h.CreateContact)
	r.PUT("/contacts", h.UpdateContacts)
	r.POST("/contacts/remove", h.RemoveContacts)
	r.DELETE("/contacts/:id", h.RemoveContact)
	r.POST("/contacts/lookup", h.Lookup)
	r.GET("/events", h.ContactEvents)
}

// observe counts every routed request by its outcome.
func (h *Handler) observe(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		return
	}
	var err error
	if c.Writer.Status() >= http.StatusBadRequest {
		err = fmt.Errorf("status %d", c.Writer.Status())
	}
	h.Metrics.Command(transport, c.Request.Method+" "+route, err)
}

// fail writes err as a JSON error body with the matching status code.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger().Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var syntax *query.SyntaxError
	switch {
	case errors.Is(err, addressbook.ErrViewNotFound), errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, addressbook.ErrContactExists):
		return http.StatusConflict
	case errors.Is(err, vcard.ErrMalformed), errors.As(err, &syntax):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrViewClosed):
		return http.StatusGone
	case errors.Is(err, addressbook.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) GetSortFields(c *gin.Context) {
	c.JSON(http.StatusOK, h.Book.SortFields())
}

func (h *Handler) GetSources(c *gin.Context) {
	sources, err := h.Book.Sources(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if sources == nil {
		sources = []schema.SourceInfo{}
	}
	c.JSON(http.StatusOK, sources)
}

func (h *Handler) OpenView(c *gin.Context) {
	var req schema.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, err := h.Book.Query(addressbook.RequestOptions(req))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, addressbook.Info(v))
}

func (h *Handler) view(c *gin.Context) (*engine.View, bool) {
	v, err := h.Book.View(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return v, true
}

func (h *Handler) GetCount(c *gin.Context) {
	v, ok := h.view(c)
	if !ok {
		return
	}
	n, err := v.Count(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// GetContacts returns a page of vCards. Query parameters: start, size
// (-1 for the rest) and a comma separated fields list.
func (h *Handler) GetContacts(c *gin.Context) {
	v, ok := h.view(c)
	if !ok {
		return
	}
	start, err1 := strconv.Atoi(c.DefaultQuery("start", "0"))
	size, err2 := strconv.Atoi(c.DefaultQuery("size", "-1"))
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start and size must be integers"})
		return
	}
	cards, err := h.Book.Fetch(c.Request.Context(), v, splitFields(c.Query("fields")), start, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cards)
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (h *Handler) Resort(c *gin.Context) {
	v, ok := h.view(c)
	if !ok {
		return
	}
	var req sortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	clause := query.ParseSort(req.Sort)
	if err := v.Resort(clause); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": append([]string{}, clause.Rejected()...)})
}

func (h *Handler) CloseView(c *gin.Context) {
	if err := h.Book.CloseView(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) GetContact(c *gin.Context) {
	contact, ok := h.Book.Contact(c.Param("id"))
	if !ok {
		h.fail(c, engine.ErrNotFound)
		return
	}
	c.Data(http.StatusOK, "text/vcard; charset=utf-8", []byte(h.Book.Encode(contact, splitFields(c.Query("fields"))...)))
}

func (h *Handler) CreateContact(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.Book.CreateContact(c.Request.Context(), req.VCard)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *Handler) UpdateContacts(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": h.Book.UpdateContacts(c.Request.Context(), req.VCards)})
}

func (h *Handler) RemoveContacts(c *gin.Context) {
	var req removeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": h.Book.RemoveContacts(c.Request.Context(), req.IDs)})
}

func (h *Handler) RemoveContact(c *gin.Context) {
	if h.Book.RemoveContacts(c.Request.Context(), []string{c.Param("id")}) == 0 {
		h.fail(c, engine.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": 1})
}

func (h *Handler) Lookup(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contact, err := h.Book.LookupByVCard(req.VCard)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": contact.ID})
}

// Health reports whether the index has loaded.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 100*time.Millisecond)
	defer cancel()
	if err := h.Book.WaitReady(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "contacts": h.Book.Len(), "views": h.Book.Views()})
}

// NewEngine builds the HTTP server: the API under /api, the metrics and
// the health probe.
func NewEngine(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	r.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	})

	h.Register(r.Group("/api"))
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(h.Metrics.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}
