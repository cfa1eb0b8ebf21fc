package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/splitsync/backend/internal/conflict"
	"github.com/splitsync/backend/internal/group"
	"github.com/splitsync/backend/internal/ledger"
	"github.com/splitsync/backend/internal/metrics"
	"github.com/splitsync/backend/internal/notify"
)

const userIDContextKey = "splitsync_user_id"

var (
	errMissingTokenValidator  = errors.New("token validator dependency required")
	errMissingGroupService    = errors.New("group service dependency required")
	errMissingLedgerService   = errors.New("ledger service dependency required")
	errMissingConflictService = errors.New("conflict service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and returns the subject user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// IDProvider issues identifiers for groups created through the API.
type IDProvider interface {
	NewID() (string, error)
}

// Dependencies bundles everything the HTTP surface needs.
type Dependencies struct {
	TokenValidator  TokenValidator
	GroupService    *group.Service
	LedgerService   *ledger.Service
	ConflictService *conflict.Service
	Dispatcher      *notify.Dispatcher
	IDProvider      IDProvider
	Logger          *zap.Logger
}

// NewHTTPHandler wires the REST surface: groups, expenses, offline sync,
// audit trails, conflicts, and the notification stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.GroupService == nil {
		return nil, errMissingGroupService
	}
	if deps.LedgerService == nil {
		return nil, errMissingLedgerService
	}
	if deps.ConflictService == nil {
		return nil, errMissingConflictService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenValidator,
		groups:     deps.GroupService,
		ledger:     deps.LedgerService,
		conflicts:  deps.ConflictService,
		dispatcher: deps.Dispatcher,
		ids:        deps.IDProvider,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/groups", handler.handleGroupCreate)
	protected.POST("/groups/:groupID/members", handler.handleMemberAdd)
	protected.GET("/groups/:groupID/expenses", handler.handleExpenseList)
	protected.POST("/groups/:groupID/expenses", handler.handleExpenseCreate)
	protected.GET("/expenses/:entryID", handler.handleExpenseGet)
	protected.PUT("/expenses/:entryID", handler.handleExpenseUpdate)
	protected.DELETE("/expenses/:entryID", handler.handleExpenseDelete)
	protected.POST("/expenses/:entryID/payments", handler.handlePaymentMark)
	protected.GET("/expenses/:entryID/audit", handler.handleAuditTrail)
	protected.POST("/expenses/sync", handler.handleBatchSync)
	protected.GET("/conflicts", handler.handleConflictList)
	protected.GET("/conflicts/:conflictID", handler.handleConflictGet)
	protected.POST("/conflicts/:conflictID/resolution", handler.handleConflictResolve)
	protected.POST("/conflicts/:conflictID/votes", handler.handleConflictVote)
	protected.GET("/notifications/stream", handler.handleNotificationStream)

	return router, nil
}

type httpHandler struct {
	tokens     TokenValidator
	groups     *group.Service
	ledger     *ledger.Service
	conflicts  *conflict.Service
	dispatcher *notify.Dispatcher
	ids        IDProvider
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

type groupCreatePayload struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
}

type groupResponsePayload struct {
	GroupID          string `json:"group_id"`
	Name             string `json:"name"`
	CreatedBy        string `json:"created_by"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleGroupCreate(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)

	var request groupCreatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	groupID := strings.TrimSpace(request.GroupID)
	if groupID == "" {
		generated, err := h.ids.NewID()
		if err != nil {
			h.logger.Error("group id generation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		groupID = generated
	}

	created, err := h.groups.CreateGroup(c.Request.Context(), groupID, request.Name, actorID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, groupResponsePayload{
		GroupID:          created.GroupID,
		Name:             created.Name,
		CreatedBy:        created.CreatedBy,
		CreatedAtSeconds: created.CreatedAtSeconds,
	})
}

type memberAddPayload struct {
	UserID string `json:"user_id"`
}

func (h *httpHandler) handleMemberAdd(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)
	groupID := c.Param("groupID")

	creatorID, err := h.groups.CreatorID(c.Request.Context(), groupID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if creatorID != actorID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var request memberAddPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.groups.AddMember(c.Request.Context(), groupID, strings.TrimSpace(request.UserID)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusNoContent, nil)
}

type sharePayload struct {
	ParticipantID string  `json:"participant_id"`
	Amount        float64 `json:"amount"`
	Paid          bool    `json:"paid,omitempty"`
}

type expensePayload struct {
	EntryID           string         `json:"entry_id"`
	GroupID           string         `json:"group_id"`
	Description       string         `json:"description"`
	TotalAmount       float64        `json:"total_amount"`
	PayerID           string         `json:"payer_id"`
	PaymentStatus     string         `json:"payment_status"`
	SplitTag          string         `json:"split_tag"`
	Split             string         `json:"split"`
	Participants      []string       `json:"participants"`
	Shares            []sharePayload `json:"shares"`
	ClientTimeSeconds int64          `json:"client_time_s"`
}

type entryResponsePayload struct {
	EntryID             string         `json:"entry_id"`
	GroupID             string         `json:"group_id"`
	Description         string         `json:"description"`
	TotalAmount         float64        `json:"total_amount"`
	PayerID             string         `json:"payer_id"`
	PaymentStatus       string         `json:"payment_status"`
	SplitTag            string         `json:"split_tag,omitempty"`
	CreatedAtSeconds    int64          `json:"created_at_s"`
	LastModifiedSeconds int64          `json:"last_modified_s"`
	LastModifiedBy      string         `json:"last_modified_by"`
	Shares              []sharePayload `json:"shares"`
}

func renderEntry(entry ledger.EntryWithShares) entryResponsePayload {
	shares := make([]sharePayload, 0, len(entry.Shares))
	for _, share := range entry.Shares {
		shares = append(shares, sharePayload{
			ParticipantID: share.ParticipantID,
			Amount:        share.Amount,
			Paid:          share.Paid,
		})
	}
	return entryResponsePayload{
		EntryID:             entry.Entry.EntryID,
		GroupID:             entry.Entry.GroupID,
		Description:         entry.Entry.Description,
		TotalAmount:         entry.Entry.TotalAmount,
		PayerID:             entry.Entry.PayerID,
		PaymentStatus:       string(entry.Entry.PaymentStatus),
		SplitTag:            entry.Entry.SplitTag,
		CreatedAtSeconds:    entry.Entry.CreatedAtSeconds,
		LastModifiedSeconds: entry.Entry.LastModifiedSeconds,
		LastModifiedBy:      entry.Entry.LastModifiedBy,
		Shares:              shares,
	}
}

// buildSubmission converts an expense payload into a validated submission.
// The shares may be listed explicitly or requested as an equal split across
// named participants.
func buildSubmission(payload expensePayload, groupID, entryID string) (ledger.Submission, error) {
	payerID, err := ledger.NewUserID(payload.PayerID)
	if err != nil {
		return ledger.Submission{}, err
	}

	sub := ledger.Submission{
		Description:           payload.Description,
		TotalAmount:           payload.TotalAmount,
		PayerID:               payerID,
		PaymentStatus:         ledger.PaymentStatus(payload.PaymentStatus),
		SplitTag:              payload.SplitTag,
		ClientModifiedSeconds: payload.ClientTimeSeconds,
	}
	if groupID != "" {
		validated, err := ledger.NewGroupID(groupID)
		if err != nil {
			return ledger.Submission{}, err
		}
		sub.GroupID = validated
	}
	if entryID != "" {
		validated, err := ledger.NewEntryID(entryID)
		if err != nil {
			return ledger.Submission{}, err
		}
		sub.EntryID = validated
	}

	if payload.Split == "equal" {
		shares, err := ledger.EqualSplit(payload.TotalAmount, payload.Participants)
		if err != nil {
			return ledger.Submission{}, err
		}
		sub.Shares = shares
		sub.SplitTag = "equal"
		return sub, nil
	}

	shares := make([]ledger.ShareAmount, 0, len(payload.Shares))
	for _, share := range payload.Shares {
		shares = append(shares, ledger.ShareAmount{
			ParticipantID: share.ParticipantID,
			Amount:        share.Amount,
			Paid:          share.Paid,
		})
	}
	sub.Shares = shares
	return sub, nil
}

func (h *httpHandler) handleExpenseCreate(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)
	groupID := c.Param("groupID")

	var request expensePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	sub, err := buildSubmission(request, groupID, request.EntryID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	created, err := h.ledger.Create(c.Request.Context(), sub, ledger.UserID(actorID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, renderEntry(created))
}

func (h *httpHandler) handleExpenseList(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)
	groupID, err := ledger.NewGroupID(c.Param("groupID"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	entries, err := h.ledger.ListByGroup(c.Request.Context(), groupID, ledger.UserID(actorID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]entryResponsePayload, 0, len(entries))
	for _, entry := range entries {
		response = append(response, renderEntry(entry))
	}
	c.JSON(http.StatusOK, gin.H{"expenses": response})
}

func (h *httpHandler) handleExpenseGet(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)
	entryID, err := ledger.NewEntryID(c.Param("entryID"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), entryID, ledger.UserID(actorID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderEntry(entry))
}

func (h *httpHandler) handleExpenseUpdate(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)
	entryID := c.Param("entryID")

	var request expensePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	sub, err := buildSubmission(request, "", entryID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.conflicts.SubmitUpdate(c.Request.Context(), sub, ledger.UserID(actorID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if result.Conflict != nil {
		h.respondConflict(c, result)
		return
	}
	c.JSON(http.StatusOK, renderEntry(*result.Applied))
}

func (h *httpHandler) handleExpenseDelete(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)
	entryID, err := ledger.NewEntryID(c.Param("entryID"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.ledger.Delete(c.Request.Context(), entryID, ledger.UserID(actorID)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusNoContent, nil)
}

func (h *httpHandler) handlePaymentMark(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)
	entryID, err := ledger.NewEntryID(c.Param("entryID"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.conflicts.MarkSharePaid(c.Request.Context(), entryID, ledger.UserID(actorID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if result.Conflict != nil {
		h.respondConflict(c, result)
		return
	}
	c.JSON(http.StatusOK, renderEntry(*result.Applied))
}

type auditRecordPayload struct {
	AuditID           string          `json:"audit_id"`
	Action            string          `json:"action"`
	ActorID           string          `json:"actor_id"`
	RecordedAtSeconds int64           `json:"recorded_at_s"`
	Detail            json.RawMessage `json:"detail"`
}

func (h *httpHandler) handleAuditTrail(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)
	entryID, err := ledger.NewEntryID(c.Param("entryID"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	records, err := h.ledger.Trail(c.Request.Context(), entryID, ledger.UserID(actorID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]auditRecordPayload, 0, len(records))
	for _, record := range records {
		response = append(response, auditRecordPayload{
			AuditID:           record.AuditID,
			Action:            string(record.Action),
			ActorID:           record.ActorID,
			RecordedAtSeconds: record.RecordedAtSeconds,
			Detail:            json.RawMessage(record.DetailJSON),
		})
	}
	c.JSON(http.StatusOK, gin.H{"entry_id": entryID.String(), "trail": response})
}

type batchItemPayload struct {
	Action  string         `json:"action"`
	Expense expensePayload `json:"expense"`
}

type batchRequestPayload struct {
	Items []batchItemPayload `json:"items"`
}

type batchResultPayload struct {
	EntryID    string                `json:"entry_id"`
	Status     string                `json:"status"`
	ConflictID string                `json:"conflict_id,omitempty"`
	Message    string                `json:"message,omitempty"`
	Expense    *entryResponsePayload `json:"expense,omitempty"`
}

func (h *httpHandler) handleBatchSync(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)

	var request batchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	items := make([]conflict.BatchItem, 0, len(request.Items))
	for _, item := range request.Items {
		sub, err := buildSubmission(item.Expense, item.Expense.GroupID, item.Expense.EntryID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		items = append(items, conflict.BatchItem{
			Action:     conflict.BatchAction(item.Action),
			Submission: sub,
		})
	}

	outcomes := h.conflicts.SubmitBatch(c.Request.Context(), items, ledger.UserID(actorID))
	response := make([]batchResultPayload, 0, len(outcomes))
	for _, outcome := range outcomes {
		result := batchResultPayload{
			EntryID:    outcome.EntryID,
			Status:     outcome.Status,
			ConflictID: outcome.ConflictID,
			Message:    outcome.Message,
		}
		if outcome.Entry != nil {
			rendered := renderEntry(*outcome.Entry)
			result.Expense = &rendered
		}
		response = append(response, result)
	}
	c.JSON(http.StatusOK, gin.H{"results": response})
}

type conflictResponsePayload struct {
	ConflictID        string          `json:"conflict_id"`
	EntryID           string          `json:"entry_id"`
	Classification    string          `json:"classification"`
	Status            string          `json:"status"`
	ServerVersion     json.RawMessage `json:"server_version"`
	ClientVersion     json.RawMessage `json:"client_version"`
	CreatorID         string          `json:"creator_id"`
	RaisedBy          string          `json:"raised_by"`
	CreatorVote       string          `json:"creator_vote,omitempty"`
	CounterpartyVote  string          `json:"counterparty_vote,omitempty"`
	DetectedAtSeconds int64           `json:"detected_at_s"`
	ResolvedAtSeconds int64           `json:"resolved_at_s,omitempty"`
	ResolvedBy        string          `json:"resolved_by,omitempty"`
	Resolution        json.RawMessage `json:"resolution,omitempty"`
}

func renderConflict(record conflict.Record) conflictResponsePayload {
	payload := conflictResponsePayload{
		ConflictID:        record.ConflictID,
		EntryID:           record.EntryID,
		Classification:    string(record.Classification),
		Status:            string(record.Status),
		ServerVersion:     json.RawMessage(record.VersionServerJSON),
		ClientVersion:     json.RawMessage(record.VersionClientJSON),
		CreatorID:         record.CreatorID,
		RaisedBy:          record.RaisedBy,
		CreatorVote:       string(record.CreatorVote.Choice),
		CounterpartyVote:  string(record.CounterpartyVote.Choice),
		DetectedAtSeconds: record.DetectedAtSeconds,
		ResolvedAtSeconds: record.ResolvedAtSeconds,
		ResolvedBy:        record.ResolvedBy,
	}
	if record.ResolutionJSON != "" {
		payload.Resolution = json.RawMessage(record.ResolutionJSON)
	}
	return payload
}

func (h *httpHandler) respondConflict(c *gin.Context, result conflict.SubmitResult) {
	c.JSON(http.StatusConflict, gin.H{
		"error":           "conflict_detected",
		"already_pending": result.AlreadyPending,
		"conflict":        renderConflict(*result.Conflict),
	})
}

func (h *httpHandler) handleConflictList(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)

	records, err := h.conflicts.ListPending(c.Request.Context(), ledger.UserID(actorID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]conflictResponsePayload, 0, len(records))
	for _, record := range records {
		response = append(response, renderConflict(record))
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": response})
}

func (h *httpHandler) handleConflictGet(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)

	record, err := h.conflicts.GetRecord(c.Request.Context(), c.Param("conflictID"), ledger.UserID(actorID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderConflict(record))
}

type resolutionRequestPayload struct {
	Choice        string                  `json:"choice"`
	ManualPayload *ledger.VersionSnapshot `json:"manual_payload"`
}

func (h *httpHandler) handleConflictResolve(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)

	var request resolutionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Choice == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.conflicts.Resolve(
		c.Request.Context(),
		c.Param("conflictID"),
		conflict.Strategy(request.Choice),
		request.ManualPayload,
		ledger.UserID(actorID),
	)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderConflict(record))
}

type voteRequestPayload struct {
	PreferredVersion string `json:"preferred_version"`
}

func (h *httpHandler) handleConflictVote(c *gin.Context) {
	actorID := c.GetString(userIDContextKey)

	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PreferredVersion == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.conflicts.CastVote(
		c.Request.Context(),
		c.Param("conflictID"),
		conflict.VoteChoice(request.PreferredVersion),
		ledger.UserID(actorID),
	)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"resolved":     result.Resolved,
		"disagreement": result.Disagreement,
		"conflict":     renderConflict(result.Record),
	})
}

// handleNotificationStream serves the user's notification feed over
// server-sent events. The stream stays open until the client disconnects.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "notifications_disabled"})
		return
	}
	actorID := c.GetString(userIDContextKey)

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), actorID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		message, open := <-stream
		if !open {
			return false
		}
		c.SSEvent(message.Kind, gin.H{
			"conflict_id": message.ConflictID,
			"entry_id":    message.EntryID,
			"body":        message.Body,
			"timestamp":   message.Timestamp.UTC().Unix(),
		})
		return true
	})
}

// respondError maps service errors onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var validationErr *ledger.ValidationError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "detail": validationErr.Reason})
	case errors.Is(err, ledger.ErrInvalidEntryID),
		errors.Is(err, ledger.ErrInvalidUserID),
		errors.Is(err, ledger.ErrInvalidGroupID),
		errors.Is(err, group.ErrInvalidGroupName),
		errors.Is(err, conflict.ErrUnknownStrategy),
		errors.Is(err, conflict.ErrMissingManualVersion):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.Is(err, ledger.ErrForbidden),
		errors.Is(err, conflict.ErrForbidden),
		errors.Is(err, conflict.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, conflict.ErrConflictNotFound),
		errors.Is(err, group.ErrGroupNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, ledger.ErrEntryExists),
		errors.Is(err, conflict.ErrAlreadyResolved),
		errors.Is(err, conflict.ErrShareAlreadyPaid):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "detail": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
