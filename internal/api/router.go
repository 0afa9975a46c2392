// Package api implements the gateway's REST surface (spec.md §6.3):
// health/auth/bundles/behaviors/sessions/preferences/extract. Grounded
// on the teacher's internal/user/handlers package style (one Handlers
// struct, RegisterRoutes on a *gin.Engine, JSON error bodies keyed by
// "error"), generalized from gin.H{"error": ...} strings to
// apperrors-driven status codes.
package api

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/streamgate/agentgw/internal/apperrors"
	"github.com/streamgate/agentgw/internal/artifact"
	"github.com/streamgate/agentgw/internal/common/logger"
	"github.com/streamgate/agentgw/internal/preferences"
	"github.com/streamgate/agentgw/internal/session"
	"github.com/streamgate/agentgw/internal/sessionindex"
	"github.com/streamgate/agentgw/internal/transcript"
)

// Handlers wires the REST surface to the gateway's domain components.
type Handlers struct {
	manager     *session.Manager
	transcripts *transcript.Store
	ledger      *artifact.Ledger
	preferences *preferences.Store
	index       *sessionindex.Index
	logger      *logger.Logger
	localToken  string
}

// New creates a Handlers set.
func New(manager *session.Manager, transcripts *transcript.Store, ledger *artifact.Ledger, prefs *preferences.Store, idx *sessionindex.Index, localToken string, log *logger.Logger) *Handlers {
	return &Handlers{
		manager:     manager,
		transcripts: transcripts,
		ledger:      ledger,
		preferences: prefs,
		index:       idx,
		localToken:  localToken,
		logger:      log.WithFields(zap.String("component", "api_handlers")),
	}
}

// RegisterRoutes installs every REST route on router (spec.md §6.3). All
// routes require a bearer token except /api/health and
// /api/auth/local-token.
func (h *Handlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/health", h.health)
	router.GET("/api/auth/local-token", h.authLocalToken)

	authed := router.Group("/api")
	authed.Use(h.requireBearerToken())

	authed.GET("/auth/verify", h.authVerify)

	bundles := authed.Group("/bundles")
	bundles.GET("", h.bundlesList)
	bundles.GET("/:name", h.bundleGet)
	bundles.POST("/custom", h.bundleAddCustom)
	bundles.DELETE("/custom/:name", h.bundleRemoveCustom)
	bundles.POST("/validate", h.registryValidate)

	behaviors := authed.Group("/behaviors")
	behaviors.GET("", h.behaviorsList)
	behaviors.GET("/:name", h.behaviorGet)
	behaviors.POST("/custom", h.behaviorAddCustom)
	behaviors.DELETE("/custom/:name", h.behaviorRemoveCustom)
	behaviors.POST("/validate", h.registryValidate)

	sessions := authed.Group("/sessions")
	sessions.GET("", h.sessionsList)
	sessions.GET("/history", h.sessionsHistory)
	sessions.GET("/history/:id/transcript", h.sessionTranscript)
	sessions.PUT("/history/:id/rename", h.sessionRename)
	sessions.DELETE("/history/:id", h.sessionDelete)
	sessions.GET("/:id/artifacts", h.sessionArtifacts)

	prefs := authed.Group("/preferences")
	prefs.GET("", h.preferencesGet)
	prefs.PUT("", h.preferencesPut)
	prefs.GET("/export", h.preferencesExport)
	prefs.POST("/import", h.preferencesImport)

	authed.POST("/extract", h.extract)
}

// requireBearerToken enforces spec.md §6.3's blanket REST auth
// requirement: every route under this group needs an Authorization:
// Bearer <token> header matching the process's local token.
func (h *Handlers) requireBearerToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header || token != h.localToken {
			h.fail(c, apperrors.New(apperrors.CodeAuthentication, "missing or invalid bearer token"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)
	h.logger.Warn("request failed", zap.Int("status", status), zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error(), "code": string(code)})
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authVerify confirms the caller's bearer token is valid. Reaching this
// handler at all already proves that, since requireBearerToken runs
// first, so there is nothing left to check here.
func (h *Handlers) authVerify(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// authLocalToken hands back the process's local auth token, but only to
// a request whose remote address is loopback (spec.md §6.3: "loopback
// only" convenience endpoint for the desktop/local-dev client).
func (h *Handlers) authLocalToken(c *gin.Context) {
	ip := c.ClientIP()
	if ip != "127.0.0.1" && ip != "::1" {
		c.JSON(http.StatusForbidden, gin.H{"error": "local-token is only available to loopback clients"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": h.localToken})
}

// sessionsList returns sessions currently live in this process (spec.md
// §6.3's GET /api/sessions), distinct from the persisted/filterable
// history surfaced by sessionsHistory.
func (h *Handlers) sessionsList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.manager.ListActive()})
}

func (h *Handlers) sessionsHistory(c *gin.Context) {
	q := sessionindex.Query{
		Status: c.Query("status"),
		Bundle: c.Query("bundle"),
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil {
		q.Limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v >= 0 {
		q.Offset = v
	}
	rows, err := h.index.History(q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

func (h *Handlers) sessionTranscript(c *gin.Context) {
	id := c.Param("id")
	entries, err := h.transcripts.LoadTranscript(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "entries": entries})
}

type sessionRenameRequest struct {
	Name string `json:"name"`
}

func (h *Handlers) sessionRename(c *gin.Context) {
	id := c.Param("id")
	var req sessionRenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.manager.Rename(id, req.Name); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "name": req.Name})
}

func (h *Handlers) sessionDelete(c *gin.Context) {
	id := c.Param("id")
	if err := h.manager.Delete(id); err != nil {
		h.fail(c, err)
		return
	}
	if h.index != nil {
		_ = h.index.Delete(id)
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) sessionArtifacts(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{"session_id": id, "artifacts": h.ledger.List(id)})
}

// bundlesList returns the default bundle plus every registered custom
// bundle (spec.md §6.3 GET /api/bundles, §4.G).
func (h *Handlers) bundlesList(c *gin.Context) {
	doc := h.preferences.Get()
	c.JSON(http.StatusOK, gin.H{"default_bundle": doc.DefaultBundle, "custom_bundles": doc.CustomBundles})
}

// bundleGet looks up one registered custom bundle by name.
func (h *Handlers) bundleGet(c *gin.Context) {
	name := c.Param("name")
	for _, b := range h.preferences.Get().CustomBundles {
		if b.Name == name {
			c.JSON(http.StatusOK, b)
			return
		}
	}
	h.fail(c, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("custom bundle %q not registered", name)))
}

func (h *Handlers) bundleAddCustom(c *gin.Context) {
	var b preferences.CustomBundle
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.preferences.AddCustomBundle(b); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *Handlers) bundleRemoveCustom(c *gin.Context) {
	if err := h.preferences.RemoveCustomBundle(c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// behaviorsList returns the default behaviors plus every registered
// custom behavior (spec.md §6.3 GET /api/behaviors, §4.G).
func (h *Handlers) behaviorsList(c *gin.Context) {
	doc := h.preferences.Get()
	c.JSON(http.StatusOK, gin.H{"default_behaviors": doc.DefaultBehaviors, "custom_behaviors": doc.CustomBehaviors})
}

func (h *Handlers) behaviorGet(c *gin.Context) {
	name := c.Param("name")
	for _, b := range h.preferences.Get().CustomBehaviors {
		if b.Name == name {
			c.JSON(http.StatusOK, b)
			return
		}
	}
	h.fail(c, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("custom behavior %q not registered", name)))
}

func (h *Handlers) behaviorAddCustom(c *gin.Context) {
	var b preferences.CustomBehavior
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.preferences.AddCustomBehavior(b); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (h *Handlers) behaviorRemoveCustom(c *gin.Context) {
	if err := h.preferences.RemoveCustomBehavior(c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type registryValidateRequest struct {
	URI string `json:"uri"`
}

// registryValidate checks a registry source URI in isolation, without
// registering it (spec.md §4.G; shared by both /api/bundles/validate
// and /api/behaviors/validate since the allow/deny-list rules are the
// same for bundle and behavior sources).
func (h *Handlers) registryValidate(c *gin.Context) {
	var req registryValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := preferences.ValidateURI(req.URI); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// preferencesExport and preferencesImport expose component G's YAML
// round-trip (spec.md §4.G ExportYAML/ImportYAML) as a settings
// backup/restore pair alongside the JSON get/put-whole surface.
func (h *Handlers) preferencesExport(c *gin.Context) {
	data, err := h.preferences.ExportYAML()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/yaml", data)
}

func (h *Handlers) preferencesImport(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.preferences.ImportYAML(data); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.preferences.Get())
}

func (h *Handlers) preferencesGet(c *gin.Context) {
	c.JSON(http.StatusOK, h.preferences.Get())
}

func (h *Handlers) preferencesPut(c *gin.Context) {
	var doc preferences.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.preferences.Put(doc); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

type extractRequest struct {
	Text string `json:"text"`
}

// extract is the minimal supplemented text-passthrough endpoint
// (SPEC_FULL.md: real extraction backends are themselves black-box
// collaborators, out of scope beyond this pass-through contract).
func (h *Handlers) extract(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": req.Text})
}

// LocalTokenFromFile reads a local auth token from path. It does not
// create the file when it is missing; it returns the read error.
func LocalTokenFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
