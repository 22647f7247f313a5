package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/model"
)

func (s *Server) HandleSavePipeline(w http.ResponseWriter, r *http.Request) {
	var def model.PipelineDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	defer r.Body.Close()
	if err := s.definitions.Save(r.Context(), def); err != nil {
		logger.Error("error saving pipeline", zap.String("name", def.Name), zap.Error(err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondOK(w, map[string]string{"message": "created"})
}

func (s *Server) HandleGetPipeline(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	def, err := s.definitions.Resolve(r.Context(), name)
	if err != nil {
		logger.Info("pipeline does not exist", zap.String("name", name))
		respondWithError(w, http.StatusNotFound, "pipeline does not exist")
		return
	}
	respondOK(w, def)
}
