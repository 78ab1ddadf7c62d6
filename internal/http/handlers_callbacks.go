package httpx

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/target/mmk-fanout/internal/domain/analysis"
	"github.com/target/mmk-fanout/internal/domain/model"
	apperrors "github.com/target/mmk-fanout/internal/errors"
	"github.com/target/mmk-fanout/internal/service"
)

// CallbackHandlers receives shard results from the collection worker.
type CallbackHandlers struct {
	Svc    *service.AnalysisService
	Logger *slog.Logger
}

// Collection handles POST /api/callbacks/collection?jobId=&shardIndex=&attempt=.
// Duplicate and stale deliveries are acknowledged with 200 so the worker stops retrying.
func (h *CallbackHandlers) Collection(w http.ResponseWriter, r *http.Request) {
	params, err := parseCallbackQuery(r)
	if err != nil {
		WriteServiceError(w, r, h.Logger, err)
		return
	}

	if !DecodeJSONLenient(w, r, &params.Result) {
		return
	}

	resp, err := h.Svc.HandleCallback(r.Context(), params)
	if err != nil {
		WriteServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func parseCallbackQuery(r *http.Request) (service.CallbackParams, error) {
	q := r.URL.Query()

	jobID := strings.TrimSpace(q.Get(service.CallbackJobParam))
	if jobID == "" {
		return service.CallbackParams{}, apperrors.ValidationField(service.CallbackJobParam, "jobId is required")
	}

	shardIndex, err := strconv.Atoi(q.Get(service.CallbackShardParam))
	if err != nil || shardIndex < 0 {
		return service.CallbackParams{}, apperrors.ValidationField(service.CallbackShardParam,
			"shardIndex must be a non-negative integer")
	}

	// Callback addresses issued before attempts were encoded carry no attempt.
	attempt := analysis.AnyAttempt
	if raw := q.Get(service.CallbackAttempt); raw != "" {
		attempt, err = strconv.Atoi(raw)
		if err != nil || attempt < 0 {
			return service.CallbackParams{}, apperrors.ValidationField(service.CallbackAttempt,
				"attempt must be a non-negative integer")
		}
	}

	return service.CallbackParams{
		JobID:      jobID,
		ShardIndex: shardIndex,
		Attempt:    attempt,
		Result:     model.CollectionCallback{},
	}, nil
}
