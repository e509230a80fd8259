package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/upsitesolutions/sir/internal/domain"
	"github.com/upsitesolutions/sir/internal/service"
	"github.com/upsitesolutions/sir/pkg/httputil"
	"github.com/upsitesolutions/sir/pkg/validator"
)

// MissingGIDMessage is returned when the gid query parameter is absent.
const MissingGIDMessage = "Missing gid parameter"

// ReindexHandler handles the recording reindex webhook.
type ReindexHandler struct {
	service *service.ReindexService
	errors  httputil.ErrorWriter
	logger  *slog.Logger
}

// NewReindexHandler creates a new reindex HTTP handler. notFoundStatus is
// the status written when the recording does not exist (404 or 500).
func NewReindexHandler(svc *service.ReindexService, notFoundStatus int, logger *slog.Logger) *ReindexHandler {
	return &ReindexHandler{
		service: svc,
		errors:  httputil.ErrorWriter{NotFoundStatus: notFoundStatus, Logger: logger},
		logger:  logger,
	}
}

// Reindex handles GET /reindex?gid=<uuid>. The response is written only
// after the dispatch completed or failed.
func (h *ReindexHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	gid := r.URL.Query().Get("gid")

	if err := validator.Var("gid", gid, "required,gid"); err != nil {
		var ve *validator.ValidationError
		if errors.As(err, &ve) && ve.FailedTag() == "required" {
			httputil.WriteErrorMessage(w, http.StatusBadRequest, MissingGIDMessage)
			return
		}
		httputil.WriteErrorMessage(w, http.StatusBadRequest, domain.InvalidUUIDMessage)
		return
	}

	outcome, err := h.service.ReindexRecording(r.Context(), gid)
	if err != nil {
		h.errors.WriteError(w, r, err)
		return
	}

	for _, warning := range outcome.Warnings {
		h.logger.WarnContext(r.Context(), "reindex completed with warning",
			slog.String("gid", gid),
			slog.String("warning", warning.Error()),
		)
	}
	httputil.WriteSuccess(w)
}
