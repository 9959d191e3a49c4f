package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/fleet/pkg/engine"
	"github.com/gregtusar/fleet/pkg/ledger"
	"github.com/gregtusar/fleet/pkg/models"
)

// Server is the dashboard-facing surface: read endpoints over the engine's
// state plus the control mutation path. All mutations go through the
// supervisor; the server itself holds no trading state.
type Server struct {
	supervisor *engine.Supervisor
	book       *ledger.Ledger
	hub        *Hub
	logger     *logrus.Logger
	port       int
	jwtSecret  string
}

func NewServer(supervisor *engine.Supervisor, book *ledger.Ledger, hub *Hub, logger *logrus.Logger, port int, jwtSecret string) *Server {
	return &Server{
		supervisor: supervisor,
		book:       book,
		hub:        hub,
		logger:     logger,
		port:       port,
		jwtSecret:  jwtSecret,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/accounts", s.handleAccounts)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/control", s.handleControl)
	mux.HandleFunc("/api/backtests", s.handleBacktests)
	mux.HandleFunc("/ws", s.hub.handleWS)

	return corsMiddleware(mux)
}

func (s *Server) Start() error {
	s.logger.WithField("port", s.port).Info("Starting API server")
	return http.ListenAndServe(fmt.Sprintf(":%d", s.port), s.Handler())
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"control":   s.supervisor.ControlState().Status,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := s.supervisor.AccountStatuses()
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]engine.AccountStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, statuses[id])
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var out []models.Position
	for _, accountID := range s.accountFilter(r) {
		positions, err := s.book.OpenPositions(accountID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, positions...)
	}
	if out == nil {
		out = []models.Position{}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var out []models.Trade
	for _, accountID := range s.accountFilter(r) {
		trades, err := s.book.Trades(accountID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, trades...)
	}
	if out == nil {
		out = []models.Trade{}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// accountFilter resolves the account query parameter, defaulting to every
// managed account.
func (s *Server) accountFilter(r *http.Request) []string {
	if id := r.URL.Query().Get("account"); id != "" {
		return []string{id}
	}
	accounts := s.supervisor.Accounts()
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return ids
}

type controlRequest struct {
	Action models.ControlAction `json:"action"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.supervisor.ControlState())

	case http.MethodPost:
		if !s.authorized(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var req controlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Action {
		case models.ActionPause, models.ActionResume, models.ActionStop:
		default:
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}

		s.logger.WithField("action", req.Action).Info("Control request received")
		s.writeJSON(w, http.StatusOK, s.supervisor.ApplyControl(req.Action))

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// authorized checks the bearer token on control mutations. With no secret
// configured the control surface is open, which is only sensible behind a
// private network.
func (s *Server) authorized(r *http.Request) bool {
	if s.jwtSecret == "" {
		return true
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		s.logger.WithError(err).Warn("Rejected control request token")
		return false
	}
	return true
}

// handleBacktests serves the run history the backtest command persists
// through the ledger, newest first.
func (s *Server) handleBacktests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	results, err := s.book.Backtests(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []models.BacktestResult{}
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
