package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/persistence"
	"github.com/sankem/flowtx/service"
	"github.com/sankem/flowtx/store"
)

func (s *Server) HandleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	defer r.Body.Close()
	txId, err := s.txService.CreateTransaction(r.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateExternalId) {
			respondWithError(w, http.StatusConflict, "externalId already in use")
			return
		}
		logger.Error("error creating transaction", zap.String("owner", req.Owner), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondOK(w, map[string]any{"txId": txId})
}

func (s *Server) HandleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	txId := mux.Vars(r)["txId"]
	report, err := s.txService.Status(r.Context(), txId)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) || errors.Is(err, persistence.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "transaction does not exist")
			return
		}
		logger.Error("error querying transaction", zap.String("txId", txId), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error querying transaction")
		return
	}
	respondOK(w, report)
}

func (s *Server) HandleGetSwitch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sw, err := s.txService.GetSwitch(r.Context(), vars["txId"], vars["name"])
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			respondWithError(w, http.StatusNotFound, "transaction does not exist")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "error reading switch")
		return
	}
	if sw == nil {
		respondWithError(w, http.StatusNotFound, "switch was never set")
		return
	}
	respondOK(w, sw)
}

func (s *Server) HandleSetSwitch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	defer r.Body.Close()
	woke, err := s.txService.SetSwitch(r.Context(), vars["txId"], vars["name"], body.Value)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			respondWithError(w, http.StatusNotFound, "transaction does not exist")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "error writing switch")
		return
	}
	respondOK(w, map[string]any{"woke": woke})
}
