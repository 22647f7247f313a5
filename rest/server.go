package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sankem/flowtx/logger"
	"github.com/sankem/flowtx/registry"
	"github.com/sankem/flowtx/service"
)

type Server struct {
	http.Server
	Port        int
	txService   *service.TransactionService
	definitions *registry.DefinitionService
}

func NewServer(httpPort int, txService *service.TransactionService, definitions *registry.DefinitionService) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr: fmt.Sprintf(":%d", httpPort),
		},
		Port:        httpPort,
		txService:   txService,
		definitions: definitions,
	}

	router := mux.NewRouter()
	router.HandleFunc("/transaction", s.HandleCreateTransaction).Methods(http.MethodPost)
	router.HandleFunc("/transaction/{txId}", s.HandleTransactionStatus).Methods(http.MethodGet)
	router.HandleFunc("/transaction/{txId}/switch/{name}", s.HandleGetSwitch).Methods(http.MethodGet)
	router.HandleFunc("/transaction/{txId}/switch/{name}", s.HandleSetSwitch).Methods(http.MethodPut)
	router.HandleFunc("/pipeline", s.HandleSavePipeline).Methods(http.MethodPost)
	router.HandleFunc("/pipeline/{name}", s.HandleGetPipeline).Methods(http.MethodGet)
	router.HandleFunc("/admin/processing", s.HandleProcessing).Methods(http.MethodGet)
	router.HandleFunc("/admin/sleeping", s.HandleSleeping).Methods(http.MethodGet)
	router.HandleFunc("/admin/exceptions", s.HandleExceptions).Methods(http.MethodGet)
	router.HandleFunc("/admin/transactions", s.HandleListTransactions).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, payload interface{}) {
	respondWithJSON(w, http.StatusOK, payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
