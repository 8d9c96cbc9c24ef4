// Package adminapi implements the bearer-token gated admin/debug HTTP
// surface referenced by SPEC_FULL §D.11: queue depth and the number of
// tracked users, read-only, for operators.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eth2030/proofgateway/batchqueue"
	"github.com/eth2030/proofgateway/userstate"
)

// Claims is the admin token's claim set, grounded on the JWT mini's
// Claims type (user_id/username/roles + jwt.RegisteredClaims).
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// Server serves the admin HTTP surface.
type Server struct {
	secret []byte
	queue  *batchqueue.Queue
	users  *userstate.Table
	mux    *http.ServeMux
}

// New constructs a Server. secret signs and verifies bearer tokens;
// queue/users back the read-only status endpoints.
func New(secret []byte, queue *batchqueue.Queue, users *userstate.Table) *Server {
	s := &Server{secret: secret, queue: queue, users: users, mux: http.NewServeMux()}
	s.mux.HandleFunc("/status", s.requireAuth(s.handleStatus))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// IssueToken signs a short-lived admin token for subject.
func (s *Server) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "proofgateway-admin",
			Subject:   subject,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type statusResponse struct {
	QueueDepth   int `json:"queue_depth"`
	TrackedUsers int `json:"tracked_users"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		QueueDepth:   s.queue.Len(),
		TrackedUsers: s.users.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
