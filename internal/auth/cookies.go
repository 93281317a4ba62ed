package auth

import "net/http"

// CookieConfig holds settings shared by the session cookies.
type CookieConfig struct {
	Domain   string // empty = current host only
	Secure   bool   // HTTPS only
	SameSite http.SameSite
}

const (
	RefreshTokenCookie = "refresh_token"
	CSRFTokenCookie    = "csrf_token"
)

// SetSessionCookies writes the refresh-token cookie (httpOnly, so scripts
// can never read the secret) and the CSRF cookie (readable, so the client
// can echo it back in the X-CSRF-Token header).
func SetSessionCookies(w http.ResponseWriter, refreshToken, csrfToken string, maxAge int, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshTokenCookie,
		Value:    refreshToken,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: config.SameSite,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFTokenCookie,
		Value:    csrfToken,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   maxAge,
		HttpOnly: false,
		Secure:   config.Secure,
		SameSite: config.SameSite,
	})
}

// ClearSessionCookies deletes both session cookies.
func ClearSessionCookies(w http.ResponseWriter, config CookieConfig) {
	for _, name := range []string{RefreshTokenCookie, CSRFTokenCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   config.Domain,
			MaxAge:   -1,
			HttpOnly: name == RefreshTokenCookie,
			Secure:   config.Secure,
			SameSite: config.SameSite,
		})
	}
}

// RefreshTokenFromRequest reads the refresh token cookie, if present.
func RefreshTokenFromRequest(r *http.Request) (string, error) {
	cookie, err := r.Cookie(RefreshTokenCookie)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}
