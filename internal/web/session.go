package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// A browser is tied to one prompt session by a cookie. The session ID keys
// the session.SessionManager entry holding the prompt state, the SSE stream
// that state is pushed over, the input limiter, the free-tier bucket and the
// history persisted in the HistoryStore. A returning cookie therefore brings
// back its history even after the in-memory session was evicted.
const (
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "blink_session"

	// SessionIDLength is the length of the session ID in bytes.
	// 16 bytes = 128 bits of entropy.
	SessionIDLength = 16

	// SessionExpiry is how long a session cookie lasts. It matches the
	// redis store's default history TTL.
	SessionExpiry = 7 * 24 * time.Hour
)

type contextKey int

const (
	sessionIDKey contextKey = iota
)

// GenerateSessionID creates a new cryptographically secure session ID,
// hex encoded.
func GenerateSessionID() (string, error) {
	buf := make([]byte, SessionIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GetSessionID returns the prompt session ID SessionMiddleware attached to
// ctx, or "" outside the middleware.
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

func withSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// ValidateSessionID reports whether sessionID could have come from
// GenerateSessionID. Anything else is treated as no cookie at all, so a
// forged value never reaches the session manager or the history store.
func ValidateSessionID(sessionID string) bool {
	if len(sessionID) != SessionIDLength*2 {
		return false
	}
	_, err := hex.DecodeString(sessionID)
	return err == nil
}

// sessionFromCookie returns the session ID carried by r, if it is valid.
func sessionFromCookie(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || !ValidateSessionID(cookie.Value) {
		return "", false
	}
	return cookie.Value, true
}

// newSessionCookie builds the cookie for sessionID. The input endpoints are
// plain form posts, so SameSite=Strict is what keeps other sites from
// typing into a user's prompt. Secure is set whenever the request came in
// over TLS.
func newSessionCookie(sessionID string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(SessionExpiry.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	}
}

// SessionMiddleware attaches a prompt session ID to every request.
//
// The ID comes from the session cookie when it is valid. Otherwise a fresh
// ID is generated and the cookie is set, which starts a new, empty prompt
// session on the first handler that asks the session manager for it.
// Handlers read the ID with GetSessionID.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := sessionFromCookie(r)
		if !ok {
			var err error
			sessionID, err = GenerateSessionID()
			if err != nil {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			http.SetCookie(w, newSessionCookie(sessionID, r.TLS != nil))
		}

		next.ServeHTTP(w, r.WithContext(withSessionID(r.Context(), sessionID)))
	})
}
