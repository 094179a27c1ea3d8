package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20 // 1MB

// readSignedBody reads the webhook body and checks its HMAC-SHA256
// signature. X-Webhook-Signature is the canonical header; X-Signature and
// X-Hub-Signature-256 are accepted from older senders. The header carries
// the hex digest, with or without a "sha256=" prefix.
func (s *Server) readSignedBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	provided := r.Header.Get("X-Webhook-Signature")
	if provided == "" {
		provided = r.Header.Get("X-Signature")
	}
	if provided == "" {
		provided = r.Header.Get("X-Hub-Signature-256")
	}
	provided = strings.TrimPrefix(provided, "sha256=")
	if provided == "" {
		return nil, fmt.Errorf("missing signature header")
	}

	mac := hmac.New(sha256.New, []byte(s.hmacSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return nil, fmt.Errorf("signature mismatch")
	}
	return body, nil
}

// authenticated guards read endpoints: a JWT bearer signed with the JWT
// secret, or the static API token, either works.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.unauthorized(w, "missing bearer token")
			return
		}
		if s.apiToken != "" && hmac.Equal([]byte(token), []byte(s.apiToken)) {
			next(w, r)
			return
		}
		if s.jwtSecret != "" && s.validJWT(token) {
			next(w, r)
			return
		}
		s.unauthorized(w, "invalid token")
	}
}

func (s *Server) validJWT(token string) bool {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		s.logger.Debug("jwt rejected", zap.Error(err))
		return false
	}
	return parsed.Valid
}

func (s *Server) unauthorized(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": detail})
}
