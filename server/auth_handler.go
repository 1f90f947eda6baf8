package server

import (
	"context"
	"net/http"
	"strings"

	"AudioDeck/logger"
)

type ctxKey string

const operatorKey ctxKey = "operator"

// LoginRequest represents the login request body
type LoginRequest struct {
	Operator string `json:"operator"`
	Password string `json:"password"`
}

// LoginHandler exchanges the admin password for a token.
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Enabled() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "auth is disabled"})
		return
	}
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "password is required"})
		return
	}
	if req.Operator == "" {
		req.Operator = "operator"
	}

	token, err := h.auth.Login(req.Operator, req.Password)
	if err != nil {
		logger.Warn("[Login] 密码验证失败", logger.String("operator", req.Operator))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid password"})
		return
	}
	logger.Info("[Login] 登录成功", logger.String("operator", req.Operator))
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "operator": req.Operator})
}

// bearerToken reads the token from the Authorization header, or from the
// token query parameter for websocket upgrades.
func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, true
	}
	return "", false
}

// authorize checks the token and returns the request with the operator in
// its context. With auth disabled every request passes.
func (h *APIHandler) authorize(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	if !h.auth.Enabled() {
		return r, true
	}
	token, ok := bearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authorization header is required"})
		return nil, false
	}
	claims, err := h.auth.ParseToken(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
		return nil, false
	}
	ctx := context.WithValue(r.Context(), operatorKey, claims.Operator)
	return r.WithContext(ctx), true
}

// AuthMiddleware is a middleware function that checks for a valid JWT token
func (h *APIHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, ok := h.authorize(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OperatorFromContext extracts the operator name from the request context
func OperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operatorKey).(string)
	return op, ok
}
