package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/navswap/internal/page"
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/retired"
	"github.com/GriffinCanCode/navswap/internal/session"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
)

// OpenRequest opens a page, optionally loading a URL
type OpenRequest struct {
	URL    string `json:"url" binding:"omitempty,url"`
	Hidden bool   `json:"hidden"`
}

// NavigateRequest drives a page
type NavigateRequest struct {
	Action string `json:"action" binding:"required,oneof=load back forward reload stop"`
	URL    string `json:"url" binding:"required_if=Action load"`
}

// SaveRequest names a snapshot
type SaveRequest struct {
	Name string `json:"name" binding:"max=128"`
}

// RestoreRequest restores a snapshot into a page
type RestoreRequest struct {
	PageID   string `json:"page_id" binding:"required"`
	Navigate bool   `json:"navigate"`
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "navswap inspector",
	})
}

func (s *Server) health(c *gin.Context) {
	var pages, processes, cached int
	if !s.onLoop(c, func() {
		pages = s.env.Registry().Len()
		processes = len(s.env.Pool().Processes())
		cached = s.env.Cache().Len()
	}) {
		return
	}

	body := gin.H{
		"status":        "healthy",
		"pages":         pages,
		"processes":     processes,
		"cache_entries": cached,
	}
	if s.sessions != nil {
		body["snapshots"] = s.sessions.Stats()
	}
	if s.events != nil {
		body["subscribers"] = s.events.Subscribers()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listPages(c *gin.Context) {
	pages := []page.Snapshot{}
	if !s.onLoop(c, func() {
		for _, p := range s.env.Registry().Pages() {
			pages = append(pages, p.Snapshot())
		}
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"pages": pages, "count": len(pages)})
}

func (s *Server) getPage(c *gin.Context) {
	pageID := id.PageID(c.Param("id"))
	var (
		snap  page.Snapshot
		found bool
	)
	if !s.onLoop(c, func() {
		if p, ok := s.env.Registry().Get(pageID); ok {
			snap, found = p.Snapshot(), true
		}
	}) {
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "page not found", "page_id": pageID})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) openPage(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		snap page.Snapshot
		nid  id.NavigationID
		err  error
	)
	if !s.onLoop(c, func() {
		opts := page.PageOptions{Visible: !req.Hidden}
		if s.events != nil {
			opts.Delegates = s.events.Delegates()
		}
		var p *page.Session
		if p, err = s.env.NewPage(opts); err != nil {
			return
		}
		if req.URL != "" {
			nid, err = p.LoadURL(req.URL)
		}
		snap = p.Snapshot()
	}) {
		return
	}
	if err != nil && snap.ID == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	body := gin.H{"page": snap}
	if nid != 0 {
		body["navigation_id"] = nid
	}
	if err != nil {
		body["error"] = err.Error()
	}
	s.logger.Info("Page opened over HTTP", zap.Stringer("page_id", snap.ID), zap.String("url", req.URL))
	c.JSON(http.StatusCreated, body)
}

func (s *Server) navigate(c *gin.Context) {
	pageID := id.PageID(c.Param("id"))
	var req NavigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		nid   id.NavigationID
		err   error
		found bool
	)
	if !s.onLoop(c, func() {
		p, ok := s.env.Registry().Get(pageID)
		if !ok {
			return
		}
		found = true
		switch req.Action {
		case "load":
			nid, err = p.LoadURL(req.URL)
		case "back":
			nid, err = p.GoBack()
		case "forward":
			nid, err = p.GoForward()
		case "reload":
			nid, err = p.Reload()
		case "stop":
			p.StopLoading()
		}
	}) {
		return
	}

	switch {
	case !found:
		c.JSON(http.StatusNotFound, gin.H{"error": "page not found", "page_id": pageID})
	case err != nil:
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "page_id": pageID})
	default:
		c.JSON(http.StatusAccepted, gin.H{"page_id": pageID, "action": req.Action, "navigation_id": nid})
	}
}

func (s *Server) closePage(c *gin.Context) {
	pageID := id.PageID(c.Param("id"))
	found := false
	if !s.onLoop(c, func() {
		if p, ok := s.env.Registry().Get(pageID); ok {
			found = true
			p.Close()
		}
	}) {
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "page not found", "page_id": pageID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "page_id": pageID})
}

func (s *Server) listProcesses(c *gin.Context) {
	procs := []process.Snapshot{}
	if !s.onLoop(c, func() {
		for _, p := range s.env.Pool().Processes() {
			procs = append(procs, p.Snapshot())
		}
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"processes": procs, "count": len(procs)})
}

func (s *Server) listCache(c *gin.Context) {
	var (
		entries []retired.Snapshot
		enabled bool
	)
	if !s.onLoop(c, func() {
		entries = s.env.Cache().Snapshot()
		enabled = s.env.Cache().Enabled()
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled, "entries": entries, "count": len(entries)})
}

func (s *Server) saveSnapshot(c *gin.Context) {
	pageID := id.PageID(c.Param("id"))
	var req SaveRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	type result struct {
		meta session.Metadata
		err  error
	}
	done := make(chan result, 1)
	found := false
	if !s.onLoop(c, func() {
		p, ok := s.env.Registry().Get(pageID)
		if !ok {
			return
		}
		found = true
		s.sessions.Save(p, req.Name, func(meta session.Metadata, err error) {
			done <- result{meta, err}
		})
	}) {
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "page not found", "page_id": pageID})
		return
	}

	select {
	case res := <-done:
		if res.err != nil {
			c.JSON(statusFor(res.err), gin.H{"error": res.err.Error()})
			return
		}
		c.JSON(http.StatusCreated, res.meta)
	case <-c.Request.Context().Done():
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "request cancelled"})
	}
}

func (s *Server) listSnapshots(c *gin.Context) {
	list, err := s.sessions.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": list, "stats": s.sessions.Stats()})
}

func (s *Server) restoreSnapshot(c *gin.Context) {
	snapshotID := id.SnapshotID(c.Param("id"))
	var req RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pageID := id.PageID(req.PageID)

	type result struct {
		nid id.NavigationID
		err error
	}
	done := make(chan result, 1)
	found := false
	if !s.onLoop(c, func() {
		p, ok := s.env.Registry().Get(pageID)
		if !ok {
			return
		}
		found = true
		s.sessions.Restore(p, snapshotID, req.Navigate, func(nid id.NavigationID, err error) {
			done <- result{nid, err}
		})
	}) {
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "page not found", "page_id": pageID})
		return
	}

	select {
	case res := <-done:
		if res.err != nil {
			c.JSON(statusFor(res.err), gin.H{"error": res.err.Error()})
			return
		}
		body := gin.H{"success": true, "snapshot_id": snapshotID, "page_id": pageID}
		if res.nid != 0 {
			body["navigation_id"] = res.nid
		}
		c.JSON(http.StatusOK, body)
	case <-c.Request.Context().Done():
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "request cancelled"})
	}
}

func (s *Server) deleteSnapshot(c *gin.Context) {
	snapshotID := id.SnapshotID(c.Param("id"))
	if err := s.sessions.Delete(snapshotID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "snapshot_id": snapshotID})
}

// statusFor maps coordinator errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, page.ErrClosed):
		return http.StatusGone
	case errors.Is(err, process.ErrLaunchFailed), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusConflict
	}
}
