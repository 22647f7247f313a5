package rest

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/model"
	"github.com/sankem/flowtx/service"
)

func (s *Server) HandleProcessing(w http.ResponseWriter, r *http.Request) {
	entries, err := s.txService.Processing(r.Context())
	if err != nil {
		logger.Error("error listing processing transactions", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error listing processing transactions")
		return
	}
	respondOK(w, entries)
}

func (s *Server) HandleSleeping(w http.ResponseWriter, r *http.Request) {
	entries, err := s.txService.Sleeping(r.Context())
	if err != nil {
		logger.Error("error listing sleeping transactions", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error listing sleeping transactions")
		return
	}
	respondOK(w, entries)
}

func (s *Server) HandleExceptions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.txService.Exceptions(r.Context())
	if err != nil {
		logger.Error("error listing exceptions", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error listing exceptions")
		return
	}
	respondOK(w, entries)
}

// HandleListTransactions queries archived transactions. Filters: status,
// owner, since/until (RFC3339), limit, and an optional jsonpath metadata
// predicate (metadata-path + metadata-value).
func (s *Server) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := service.ListQuery{
		MetadataPath:  q.Get("metadata-path"),
		MetadataValue: q.Get("metadata-value"),
	}
	query.Status = model.Status(q.Get("status"))
	query.Owner = q.Get("owner")
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "malformed since timestamp")
			return
		}
		query.Since = t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "malformed until timestamp")
			return
		}
		query.Until = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "malformed limit")
			return
		}
		query.Limit = n
	}
	records, err := s.txService.List(r.Context(), query)
	if err != nil {
		logger.Error("error listing transactions", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error listing transactions")
		return
	}
	respondOK(w, records)
}
