// Package server exposes the edit queue and quest visibility over a local HTTP
// API with a server-sent event stream.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/edits"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/geo"
	"github.com/MarcoPoloResearchLab/fieldqueue/internal/quests"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	clientContextKey         = "fieldqueue_client"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 15 * time.Second
	reasonSuffixInvalidInput = ".invalid_input"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingElementEdits   = errors.New("element edit controller dependency required")
	errMissingNoteEdits      = errors.New("note edit controller dependency required")
	errMissingNoteQuests     = errors.New("note quest controller dependency required")
	errMissingQuestStores    = errors.New("quest stores dependency required")
	errMissingEventBus       = errors.New("event bus dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks local API bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (auth.ClientClaims, error)
}

// UploadStatus reports whether an upload run is active.
type UploadStatus interface {
	IsUploadInProgress() bool
}

type Dependencies struct {
	Tokens              TokenValidator
	ElementEdits        *edits.ElementEditController
	NoteEdits           *edits.NoteEditController
	NoteQuests          *quests.NoteQuestController
	HiddenElementQuests *quests.HiddenElementQuestStore
	QuestTypes          *quests.VisibleQuestTypeStore
	Uploads             UploadStatus
	Events              *EventBus
	HeartbeatInterval   time.Duration
	Logger              *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.ElementEdits == nil {
		return nil, errMissingElementEdits
	}
	if deps.NoteEdits == nil {
		return nil, errMissingNoteEdits
	}
	if deps.NoteQuests == nil {
		return nil, errMissingNoteQuests
	}
	if deps.HiddenElementQuests == nil || deps.QuestTypes == nil {
		return nil, errMissingQuestStores
	}
	if deps.Events == nil {
		return nil, errMissingEventBus
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:              deps.Tokens,
		elementEdits:        deps.ElementEdits,
		noteEdits:           deps.NoteEdits,
		noteQuests:          deps.NoteQuests,
		hiddenElementQuests: deps.HiddenElementQuests,
		questTypes:          deps.QuestTypes,
		uploads:             deps.Uploads,
		events:              deps.Events,
		heartbeatInterval:   heartbeat,
		logger:              logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/edits/status", handler.handleEditStatus)
	protected.GET("/edits/elements", handler.handleListElementEdits)
	protected.POST("/edits/elements", handler.handleAddElementEdit)
	protected.POST("/edits/elements/:id/undo", handler.handleUndoElementEdit)
	protected.GET("/edits/notes", handler.handleListNoteEdits)
	protected.POST("/edits/notes", handler.handleAddNoteEdit)
	protected.POST("/edits/notes/:id/undo", handler.handleUndoNoteEdit)
	protected.GET("/edits/undoable", handler.handleUndoable)

	protected.GET("/quests/notes", handler.handleListNoteQuests)
	protected.POST("/quests/notes/:id/hide", handler.handleHideNoteQuest)
	protected.POST("/quests/notes/unhide", handler.handleUnhideNoteQuests)
	protected.POST("/quests/elements/hide", handler.handleHideElementQuest)
	protected.POST("/quests/elements/unhide", handler.handleUnhideElementQuests)
	protected.GET("/quest-types/:questType/visibility", handler.handleGetQuestTypeVisibility)
	protected.PUT("/quest-types/:questType/visibility", handler.handlePutQuestTypeVisibility)

	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens              TokenValidator
	elementEdits        *edits.ElementEditController
	noteEdits           *edits.NoteEditController
	noteQuests          *quests.NoteQuestController
	hiddenElementQuests *quests.HiddenElementQuestStore
	questTypes          *quests.VisibleQuestTypeStore
	uploads             UploadStatus
	events              *EventBus
	heartbeatInterval   time.Duration
	logger              *zap.Logger
}

type editStatusPayload struct {
	ElementEditsUnsynced         int64 `json:"element_edits_unsynced"`
	ElementEditsPositiveUnsynced int64 `json:"element_edits_positive_unsynced"`
	NoteEditsUnsynced            int64 `json:"note_edits_unsynced"`
	UploadInProgress             bool  `json:"upload_in_progress"`
}

func (h *httpHandler) handleEditStatus(c *gin.Context) {
	ctx := c.Request.Context()
	elementCount, err := h.elementEdits.GetUnsyncedCount(ctx)
	if err != nil {
		h.respondInternalError(c, "status_failed", err)
		return
	}
	positiveCount, err := h.elementEdits.GetPositiveUnsyncedCount(ctx)
	if err != nil {
		h.respondInternalError(c, "status_failed", err)
		return
	}
	noteCount, err := h.noteEdits.GetUnsyncedCount(ctx)
	if err != nil {
		h.respondInternalError(c, "status_failed", err)
		return
	}
	c.JSON(http.StatusOK, editStatusPayload{
		ElementEditsUnsynced:         elementCount,
		ElementEditsPositiveUnsynced: positiveCount,
		NoteEditsUnsynced:            noteCount,
		UploadInProgress:             h.uploadInProgress(),
	})
}

type addElementEditRequest struct {
	ElementType string          `json:"element_type"`
	ElementID   int64           `json:"element_id"`
	QuestType   string          `json:"quest_type"`
	Source      string          `json:"source"`
	Latitude    float64         `json:"lat"`
	Longitude   float64         `json:"lon"`
	Action      string          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
	Blocked     bool            `json:"blocked"`
}

func (h *httpHandler) handleAddElementEdit(c *gin.Context) {
	var request addElementEditRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	edit, err := h.elementEdits.Add(c.Request.Context(), edits.NewElementEdit{
		Element:   edits.ElementKey{Type: edits.ElementType(strings.ToLower(strings.TrimSpace(request.ElementType))), ID: request.ElementID},
		QuestType: request.QuestType,
		Source:    request.Source,
		Position:  geo.LatLon{Latitude: request.Latitude, Longitude: request.Longitude},
		Action:    edits.ElementEditAction(strings.TrimSpace(request.Action)),
		Payload:   request.Payload,
		Blocked:   request.Blocked,
	})
	if err != nil {
		h.respondServiceError(c, "add_failed", err)
		return
	}
	c.JSON(http.StatusCreated, newElementEditPayload(edit))
}

func (h *httpHandler) handleListElementEdits(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		pending []edits.ElementEdit
		err     error
	)
	if rawBBox, ok := c.GetQuery("bbox"); ok {
		bbox, parseErr := geo.ParseBoundingBox(rawBBox)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bbox"})
			return
		}
		pending, err = h.elementEdits.GetAllUnsyncedInBBox(ctx, bbox)
	} else {
		pending, err = h.elementEdits.GetAllUnsynced(ctx)
	}
	if err != nil {
		h.respondInternalError(c, "list_failed", err)
		return
	}
	payloads := make([]elementEditPayload, 0, len(pending))
	for _, edit := range pending {
		payloads = append(payloads, newElementEditPayload(edit))
	}
	c.JSON(http.StatusOK, gin.H{"edits": payloads})
}

func (h *httpHandler) handleUndoElementEdit(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if h.uploadInProgress() {
		c.JSON(http.StatusConflict, gin.H{"error": "upload_in_progress"})
		return
	}
	undone, err := h.elementEdits.Undo(c.Request.Context(), id)
	if err != nil {
		h.respondInternalError(c, "undo_failed", err)
		return
	}
	if !undone {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_undoable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"undone": true})
}

type addNoteEditRequest struct {
	NoteID          int64    `json:"note_id"`
	Action          string   `json:"action"`
	Latitude        float64  `json:"lat"`
	Longitude       float64  `json:"lon"`
	Text            string   `json:"text"`
	AttachmentPaths []string `json:"attachment_paths"`
}

func (h *httpHandler) handleAddNoteEdit(c *gin.Context) {
	var request addNoteEditRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	edit, err := h.noteEdits.Add(c.Request.Context(), edits.NewNoteEdit{
		NoteID:          request.NoteID,
		Action:          edits.NoteAction(strings.ToLower(strings.TrimSpace(request.Action))),
		Position:        geo.LatLon{Latitude: request.Latitude, Longitude: request.Longitude},
		Text:            request.Text,
		AttachmentPaths: request.AttachmentPaths,
	})
	if err != nil {
		h.respondServiceError(c, "add_failed", err)
		return
	}
	c.JSON(http.StatusCreated, newNoteEditPayload(edit))
}

func (h *httpHandler) handleListNoteEdits(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		pending []edits.NoteEdit
		err     error
	)
	if rawBBox, ok := c.GetQuery("bbox"); ok {
		bbox, parseErr := geo.ParseBoundingBox(rawBBox)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bbox"})
			return
		}
		pending, err = h.noteEdits.GetAllUnsyncedInBBox(ctx, bbox)
	} else {
		pending, err = h.noteEdits.GetAllUnsynced(ctx)
	}
	if err != nil {
		h.respondInternalError(c, "list_failed", err)
		return
	}
	payloads := make([]noteEditPayload, 0, len(pending))
	for _, edit := range pending {
		payloads = append(payloads, newNoteEditPayload(edit))
	}
	c.JSON(http.StatusOK, gin.H{"edits": payloads})
}

func (h *httpHandler) handleUndoNoteEdit(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if h.uploadInProgress() {
		c.JSON(http.StatusConflict, gin.H{"error": "upload_in_progress"})
		return
	}
	undone, err := h.noteEdits.Undo(c.Request.Context(), id)
	if err != nil {
		h.respondInternalError(c, "undo_failed", err)
		return
	}
	if !undone {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_undoable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"undone": true})
}

type undoablePayload struct {
	Element          *elementEditPayload `json:"element"`
	Note             *noteEditPayload    `json:"note"`
	UploadInProgress bool                `json:"upload_in_progress"`
}

func (h *httpHandler) handleUndoable(c *gin.Context) {
	ctx := c.Request.Context()
	response := undoablePayload{UploadInProgress: h.uploadInProgress()}
	elementEdit, found, err := h.elementEdits.GetMostRecentUndoableEdit(ctx)
	if err != nil {
		h.respondInternalError(c, "undoable_failed", err)
		return
	}
	if found {
		payload := newElementEditPayload(elementEdit)
		response.Element = &payload
	}
	noteEdit, found, err := h.noteEdits.GetMostRecentUndoableEdit(ctx)
	if err != nil {
		h.respondInternalError(c, "undoable_failed", err)
		return
	}
	if found {
		payload := newNoteEditPayload(noteEdit)
		response.Note = &payload
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListNoteQuests(c *gin.Context) {
	bbox, err := geo.ParseBoundingBox(c.Query("bbox"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bbox"})
		return
	}
	visible, err := h.noteQuests.GetAllVisibleInBBox(c.Request.Context(), bbox)
	if err != nil {
		h.respondInternalError(c, "quests_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"quests":     newNoteQuestPayloads(visible),
		"generation": h.noteQuests.Generation(),
	})
}

func (h *httpHandler) handleHideNoteQuest(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.noteQuests.Hide(c.Request.Context(), id); err != nil {
		h.respondInternalError(c, "hide_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnhideNoteQuests(c *gin.Context) {
	cleared, err := h.noteQuests.UnhideAll(c.Request.Context())
	if err != nil {
		h.respondInternalError(c, "unhide_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unhidden": cleared})
}

type hideElementQuestRequest struct {
	ElementType string `json:"element_type"`
	ElementID   int64  `json:"element_id"`
	QuestType   string `json:"quest_type"`
}

func (h *httpHandler) handleHideElementQuest(c *gin.Context) {
	var request hideElementQuestRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	key, err := quests.NewElementQuestKey(request.ElementType, request.ElementID, request.QuestType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_quest_key"})
		return
	}
	hidden, err := h.hiddenElementQuests.Add(c.Request.Context(), key)
	if err != nil {
		h.respondInternalError(c, "hide_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hidden": hidden})
}

func (h *httpHandler) handleUnhideElementQuests(c *gin.Context) {
	cleared, err := h.hiddenElementQuests.DeleteAll(c.Request.Context())
	if err != nil {
		h.respondInternalError(c, "unhide_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unhidden": cleared})
}

func (h *httpHandler) handleGetQuestTypeVisibility(c *gin.Context) {
	questType := c.Param("questType")
	visible, err := h.questTypes.Get(c.Request.Context(), questType)
	if err != nil {
		h.respondInternalError(c, "visibility_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quest_type": questType, "visible": visible})
}

type questTypeVisibilityRequest struct {
	Visible *bool `json:"visible"`
}

func (h *httpHandler) handlePutQuestTypeVisibility(c *gin.Context) {
	var request questTypeVisibilityRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Visible == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.questTypes.Put(c.Request.Context(), c.Param("questType"), *request.Visible); err != nil {
		h.respondServiceError(c, "visibility_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{Id: event.ID, Event: event.Type, Data: event.Data})
			return true
		case tick := <-heartbeat.C:
			c.Render(-1, sse.Event{Event: eventHeartbeat, Data: gin.H{"timestamp": tick.UTC().Unix()}})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if c.Request.Method == http.MethodGet {
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(clientContextKey, claims.Client)
	c.Next()
}

func (h *httpHandler) uploadInProgress() bool {
	return h.uploads != nil && h.uploads.IsUploadInProgress()
}

type codedError interface {
	Code() string
}

// respondServiceError maps validation failures to 400 and everything else to
// 500.
func (h *httpHandler) respondServiceError(c *gin.Context, fallback string, err error) {
	var coded codedError
	if errors.As(err, &coded) && strings.HasSuffix(coded.Code(), reasonSuffixInvalidInput) {
		c.JSON(http.StatusBadRequest, gin.H{"error": coded.Code()})
		return
	}
	h.respondInternalError(c, fallback, err)
}

func (h *httpHandler) respondInternalError(c *gin.Context, code string, err error) {
	h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}

func parseIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}
