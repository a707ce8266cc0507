package emr

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/emr/internal/platform/auth"
	"github.com/clinic/emr/pkg/pagination"
)

// SessionHeader identifies the editing session (one open editor) a write comes
// from.
const SessionHeader = "X-Session-ID"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – physician, nurse, auditor
	read := api.Group("", auth.RequireRole("physician", "nurse", "auditor"))
	read.GET("/emr/:id", h.GetRecord)
	read.GET("/visits/:anchor/emr", h.GetByAnchor)
	read.GET("/patients/:subject/emr", h.ListBySubject)
	read.GET("/visits/:anchor/emr/history", h.History)
	read.GET("/visits/:anchor/emr/diff", h.Diff)
	read.GET("/visits/:anchor/emr/revisions/:version", h.GetRevision)

	// Write endpoints – physician, nurse
	write := api.Group("", auth.RequireRole("physician", "nurse"))
	write.PUT("/visits/:anchor/emr", h.Save)
	write.POST("/visits/:anchor/emr/restore", h.Restore)

	// Signing and amending – physician
	sign := api.Group("", auth.RequireRole("physician"))
	sign.POST("/visits/:anchor/emr/sign", h.Sign)
	sign.POST("/visits/:anchor/emr/amend", h.Amend)
}

type saveBody struct {
	Data               Data  `json:"data"`
	ExpectedRowVersion int64 `json:"expected_row_version"`
	IsDraft            *bool `json:"is_draft"`
}

type signBody struct {
	Data               Data  `json:"data"`
	ExpectedRowVersion int64 `json:"expected_row_version"`
}

type amendBody struct {
	Data               Data   `json:"data"`
	Reason             string `json:"reason"`
	ExpectedRowVersion int64  `json:"expected_row_version"`
}

type restoreBody struct {
	TargetVersion int64  `json:"target_version"`
	Reason        string `json:"reason"`
}

// ConflictResponse is the 409 body for a stale expected version.
type ConflictResponse struct {
	Message        string    `json:"message"`
	CurrentVersion int64     `json:"current_version"`
	YourVersion    int64     `json:"your_version"`
	LastEditedBy   string    `json:"last_edited_by"`
	LastEditedAt   time.Time `json:"last_edited_at"`
}

// -- Reads --

func (h *Handler) GetRecord(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	h.svc.LogView(c.Request().Context(), rec, actor)
	setVersionHeaders(c, rec)
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetByAnchor(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	anchorID, err := int64Param(c, "anchor")
	if err != nil {
		return err
	}
	rec, err := h.svc.GetByAnchor(c.Request().Context(), anchorID)
	if err != nil {
		return httpError(err)
	}
	h.svc.LogView(c.Request().Context(), rec, actor)
	setVersionHeaders(c, rec)
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListBySubject(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	subjectID, err := int64Param(c, "subject")
	if err != nil {
		return err
	}
	limit := pagination.LimitFromContext(c)
	recs, err := h.svc.ListBySubject(c.Request().Context(), subjectID, limit)
	if err != nil {
		return httpError(err)
	}
	for _, rec := range recs {
		h.svc.LogView(c.Request().Context(), rec, actor)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, len(recs), limit))
}

func (h *Handler) History(c echo.Context) error {
	anchorID, err := int64Param(c, "anchor")
	if err != nil {
		return err
	}
	limit := pagination.LimitFromContext(c)
	items, err := h.svc.History(c.Request().Context(), anchorID, limit)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*RevisionSummary{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, len(items), limit))
}

func (h *Handler) Diff(c echo.Context) error {
	anchorID, err := int64Param(c, "anchor")
	if err != nil {
		return err
	}
	from, err := strconv.ParseInt(c.QueryParam("from"), 10, 64)
	if err != nil || from < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "from must be a positive version")
	}
	to, err := strconv.ParseInt(c.QueryParam("to"), 10, 64)
	if err != nil || to < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "to must be a positive version")
	}
	changes, err := h.svc.Diff(c.Request().Context(), anchorID, from, to)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"from":    from,
		"to":      to,
		"changes": changes,
	})
}

func (h *Handler) GetRevision(c echo.Context) error {
	anchorID, err := int64Param(c, "anchor")
	if err != nil {
		return err
	}
	version, err := int64Param(c, "version")
	if err != nil {
		return err
	}
	rev, err := h.svc.Revision(c.Request().Context(), anchorID, version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rev)
}

// -- Writes --

func (h *Handler) Save(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	anchorID, err := int64Param(c, "anchor")
	if err != nil {
		return err
	}
	var body saveBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	expected, err := expectedVersion(c, body.ExpectedRowVersion)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	isDraft := true
	if body.IsDraft != nil {
		isDraft = *body.IsDraft
	}

	rec, err := h.svc.Save(c.Request().Context(), SaveRequest{
		AnchorID:           anchorID,
		Data:               body.Data,
		ExpectedRowVersion: expected,
		IsDraft:            isDraft,
	}, actor)
	if err != nil {
		return httpError(err)
	}
	setVersionHeaders(c, rec)
	status := http.StatusOK
	if rec.Version == 1 {
		status = http.StatusCreated
	}
	return c.JSON(status, rec)
}

func (h *Handler) Sign(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	anchorID, err := int64Param(c, "anchor")
	if err != nil {
		return err
	}
	var body signBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	expected, err := expectedVersion(c, body.ExpectedRowVersion)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rec, err := h.svc.Sign(c.Request().Context(), SignRequest{
		AnchorID:           anchorID,
		Data:               body.Data,
		ExpectedRowVersion: expected,
	}, actor)
	if err != nil {
		return httpError(err)
	}
	setVersionHeaders(c, rec)
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Amend(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	anchorID, err := int64Param(c, "anchor")
	if err != nil {
		return err
	}
	var body amendBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	expected, err := expectedVersion(c, body.ExpectedRowVersion)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rec, err := h.svc.Amend(c.Request().Context(), AmendRequest{
		AnchorID:           anchorID,
		Data:               body.Data,
		Reason:             body.Reason,
		ExpectedRowVersion: expected,
	}, actor)
	if err != nil {
		return httpError(err)
	}
	setVersionHeaders(c, rec)
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Restore(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	anchorID, err := int64Param(c, "anchor")
	if err != nil {
		return err
	}
	var body restoreBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.TargetVersion < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "target_version must be a positive version")
	}

	rec, err := h.svc.Restore(c.Request().Context(), RestoreRequest{
		AnchorID:      anchorID,
		TargetVersion: body.TargetVersion,
		Reason:        body.Reason,
	}, actor)
	if err != nil {
		return httpError(err)
	}
	setVersionHeaders(c, rec)
	return c.JSON(http.StatusOK, rec)
}

// -- Helpers --

// actorFrom builds the acting identity from the authenticated request. The
// session header wins over the token's session claim.
func actorFrom(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
	}
	session := c.Request().Header.Get(SessionHeader)
	if session == "" {
		session = auth.SessionIDFromContext(ctx)
	}
	return Actor{
		ID:            userID,
		Role:          auth.PrimaryRole(auth.RolesFromContext(ctx)),
		SessionID:     session,
		SourceAddress: c.RealIP(),
		UserAgent:     c.Request().UserAgent(),
	}, nil
}

func int64Param(c echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

// httpError maps service errors onto responses. Storage details stay in the
// server log.
func httpError(err error) error {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, ConflictResponse{
			Message:        ErrConcurrencyConflict.Error(),
			CurrentVersion: conflict.CurrentVersion,
			YourVersion:    conflict.YourVersion,
			LastEditedBy:   conflict.LastEditedBy,
			LastEditedAt:   conflict.LastEditedAt,
		})
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRevisionNotFound), errors.Is(err, ErrUnknownAnchor):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrRecordSigned),
		errors.Is(err, ErrAlreadySigned),
		errors.Is(err, ErrNotSigned):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrReasonTooShort):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidData):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
