package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"

	"github.com/ChuLiYu/proxy-suite/internal/collection"
	"github.com/ChuLiYu/proxy-suite/internal/controller"
	"github.com/ChuLiYu/proxy-suite/internal/export"
	"github.com/ChuLiYu/proxy-suite/internal/query"
	"github.com/ChuLiYu/proxy-suite/internal/sources"
	"github.com/ChuLiYu/proxy-suite/internal/worker"
	"github.com/ChuLiYu/proxy-suite/pkg/types"
)

// Server exposes the controller over a JSON HTTP API.
type Server struct {
	controller *controller.Controller
	echo       *echo.Echo
	log        *slog.Logger

	// batches started over HTTP outlive the request that started them
	batchCtx context.Context

	// engine caches the collection of the last list query; version is the
	// store version it was loaded at
	mu      sync.Mutex
	engine  *query.Engine
	version uint64
	loaded  bool
}

// NewServer creates the API server and registers its routes.
//
// batchCtx is the parent context of batches started through the API; it is
// typically the process lifetime context.
func NewServer(batchCtx context.Context, ctrl *controller.Controller, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.NewWithConfig(log, slogecho.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
	}))

	s := &Server{controller: ctrl, echo: e, log: log, batchCtx: batchCtx, engine: query.NewEngine()}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.echo.Group("/api")

	api.GET("/status", s.status)
	api.GET("/summary", s.summary)
	api.GET("/history", s.history)
	api.GET("/subnets", s.subnets)
	api.GET("/countries", s.countries)

	api.GET("/candidates", s.listCandidates)
	api.DELETE("/candidates", s.deleteCandidates)
	api.GET("/candidates/export", s.exportCandidates)
	api.GET("/candidates/:id", s.getCandidate)
	api.PATCH("/candidates/:id", s.editCandidate)

	api.GET("/sources", s.listSources)
	api.POST("/sources", s.addSource)
	api.PATCH("/sources", s.toggleSource)

	api.GET("/settings", s.getSettings)
	api.PUT("/settings", s.putSettings)

	api.POST("/scrape", s.startScrape)
	api.POST("/check", s.startCheck)
	api.POST("/stop", s.stop)
	api.POST("/save", s.save)

	s.echo.GET("/metrics", echo.WrapHandler(s.controller.Metrics().Handler()))
}

// Handler returns the HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run listens on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", addr)
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// Read endpoints
// ============================================================================

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.Info())
}

func (s *Server) summary(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.Store().Summary())
}

func (s *Server) history(c echo.Context) error {
	limit, err := intParam(c, "limit", 0)
	if err != nil {
		return err
	}
	entries, err := s.controller.History(limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) subnets(c echo.Context) error {
	limit, err := intParam(c, "limit", query.DefaultSubnetLimit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, query.Subnets(s.controller.Store().List(), limit))
}

func (s *Server) countries(c echo.Context) error {
	return c.JSON(http.StatusOK, query.Countries(s.controller.Store().List()))
}

// candidatePage is the response of GET /api/candidates
type candidatePage struct {
	Total      int               `json:"total"`
	Offset     int               `json:"offset"`
	Candidates []types.Candidate `json:"candidates"`
}

func (s *Server) listCandidates(c echo.Context) error {
	list, err := s.query(c)
	if err != nil {
		return err
	}

	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return err
	}
	limit, err := intParam(c, "limit", 0)
	if err != nil {
		return err
	}

	page := candidatePage{Total: len(list), Offset: offset}
	if offset > len(list) {
		offset = len(list)
	}
	end := len(list)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page.Candidates = list[offset:end]
	return c.JSON(http.StatusOK, page)
}

func (s *Server) exportCandidates(c echo.Context) error {
	format, err := export.ParseFormat(c.QueryParam("format"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	list, err := s.query(c)
	if err != nil {
		return err
	}

	contentType := map[export.Format]string{
		export.FormatCSV:      "text/csv; charset=utf-8",
		export.FormatJSON:     echo.MIMEApplicationJSONCharsetUTF8,
		export.FormatTemplate: echo.MIMETextPlainCharsetUTF8,
	}[format]
	c.Response().Header().Set(echo.HeaderContentType, contentType)
	c.Response().WriteHeader(http.StatusOK)
	return export.Write(c.Response(), format, list, c.QueryParam("template"))
}

// query runs the list query engine over the collection with the request's query string
func (s *Server) query(c echo.Context) ([]types.Candidate, error) {
	var p query.Params
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &p); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	filters, sort, err := p.Parse()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.apply(filters, sort), nil
}

// apply reloads the collection only when the store changed since the last
// query; otherwise the new filters and sort run over the cached copy.
func (s *Server) apply(f query.Filters, order query.Sort) []types.Candidate {
	store := s.controller.Store()

	s.mu.Lock()
	defer s.mu.Unlock()
	if v := store.Version(); !s.loaded || v != s.version {
		s.version, s.loaded = v, true
		return s.engine.Update(store.List(), f, order)
	}
	return s.engine.Reprocess(f, order)
}

func (s *Server) getCandidate(c echo.Context) error {
	cand, ok := s.controller.Store().Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, collection.ErrNotFound.Error())
	}
	return c.JSON(http.StatusOK, cand)
}

// ============================================================================
// Write endpoints
// ============================================================================

type editRequest struct {
	Notes *string   `json:"notes"`
	Tags  *[]string `json:"tags"`
}

func (s *Server) editCandidate(c echo.Context) error {
	var req editRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	id := c.Param("id")
	store := s.controller.Store()

	if req.Notes != nil {
		notes := req.Notes
		if *notes == "" {
			notes = nil
		}
		if err := store.SetNotes(id, notes); err != nil {
			return storeError(err)
		}
	}
	if req.Tags != nil {
		if err := store.SetUserTags(id, *req.Tags); err != nil {
			return storeError(err)
		}
	}
	return s.getCandidate(c)
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) deleteCandidates(c echo.Context) error {
	var req deleteRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	n := s.controller.Delete(req.IDs)
	return c.JSON(http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) listSources(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.Sources().Stats())
}

type sourceRequest struct {
	types.Source
	Notes string `json:"notes"`
}

func (s *Server) addSource(c echo.Context) error {
	var req sourceRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := s.controller.Sources().Add(req.Source, req.Notes); err != nil {
		switch {
		case errors.Is(err, sources.ErrDuplicateSource):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, sources.ErrInvalidSource):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.NoContent(http.StatusCreated)
}

type toggleRequest struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) toggleSource(c echo.Context) error {
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := s.controller.Sources().SetEnabled(req.URL, req.Enabled); err != nil {
		if errors.Is(err, sources.ErrUnknownSource) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.Settings())
}

func (s *Server) putSettings(c echo.Context) error {
	settings := s.controller.Settings()
	if err := c.Bind(&settings); err != nil {
		return err
	}
	if err := s.controller.UpdateSettings(settings); err != nil {
		if errors.Is(err, controller.ErrInvalidSettings) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, s.controller.Settings())
}

// ============================================================================
// Batch endpoints
// ============================================================================

type scrapeRequest struct {
	Profile string `json:"profile"`
}

func (s *Server) startScrape(c echo.Context) error {
	var req scrapeRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	var profile *types.ScrapeProfile
	if req.Profile != "" {
		p, err := s.controller.ScrapeProfile(req.Profile)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		profile = &p
	}
	if err := s.controller.StartScrape(s.batchCtx, profile); err != nil {
		return batchError(err)
	}
	return c.JSON(http.StatusAccepted, s.controller.Info())
}

type checkRequest struct {
	Mode    string   `json:"mode"`
	Targets []string `json:"targets"`
	Profile string   `json:"profile"`
	IDs     []string `json:"ids"` // empty means the whole collection
}

func (s *Server) startCheck(c echo.Context) error {
	var req checkRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	mode, targets := types.ModeStandard, req.Targets
	if req.Profile != "" {
		p, err := s.controller.CheckProfile(req.Profile)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		mode, targets = p.Mode, p.Targets
	}
	if req.Mode != "" {
		m, err := types.ParseCheckMode(req.Mode)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		mode = m
	}

	var list []types.Candidate
	if len(req.IDs) > 0 {
		list = make([]types.Candidate, 0, len(req.IDs))
		for _, id := range req.IDs {
			if cand, ok := s.controller.Store().Get(id); ok {
				list = append(list, cand)
			}
		}
	}

	if err := s.controller.StartCheck(s.batchCtx, mode, targets, list); err != nil {
		return batchError(err)
	}
	return c.JSON(http.StatusAccepted, s.controller.Info())
}

func (s *Server) stop(c echo.Context) error {
	stopped := s.controller.Stop()
	return c.JSON(http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) save(c echo.Context) error {
	if err := s.controller.Save(); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ============================================================================
// Helpers
// ============================================================================

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s: %q", name, raw))
	}
	return n, nil
}

func storeError(err error) error {
	switch {
	case errors.Is(err, collection.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrReservedTag):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}

func batchError(err error) error {
	switch {
	case errors.Is(err, controller.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, controller.ErrNoSources),
		errors.Is(err, controller.ErrNothingToCheck),
		errors.Is(err, worker.ErrNoTasks):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, worker.ErrInvalidConfig):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return err
}
