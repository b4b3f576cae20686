package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"authsvc/internal/domain/models"
	"authsvc/internal/http/middleware"
	"authsvc/internal/http/response"
	"authsvc/internal/lib/identity"
	"authsvc/internal/lib/jwt"
	"authsvc/internal/lib/sl"
	"authsvc/internal/services/auth"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

type Auth interface {
	Register(ctx context.Context, in auth.RegisterInput) (models.PublicUser, error)
	Login(ctx context.Context, email, password string) (*auth.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, refreshToken string) (string, error)
	VerifyAccess(accessToken string) (*jwt.Claims, error)
	Profile(ctx context.Context, userID string) (models.PublicUser, error)
}

type Cookies struct {
	AccessName  string
	RefreshName string
	Domain      string
	Secure      bool
	SameSite    http.SameSite
}

type AuthHandler struct {
	log     *slog.Logger
	auth    Auth
	cookies Cookies
}

func NewAuthHandler(log *slog.Logger, authService Auth, cookies Cookies) *AuthHandler {
	if cookies.SameSite == 0 {
		cookies.SameSite = http.SameSiteLaxMode
	}

	return &AuthHandler{
		log:     log,
		auth:    authService,
		cookies: cookies,
	}
}

// Routes returns the /auth subtree. Only /me sits behind the access gate.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/verify-token", h.VerifyToken)
	r.Post("/refresh-token", h.RefreshToken)
	r.Post("/revoke-token", h.RevokeToken)
	r.Post("/logout", h.Logout)
	r.Post("/logout-all", h.LogoutAll)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(h.log, h.auth, h.cookies.AccessName))
		r.Get("/me", h.Me)
	})

	return r
}

type registerRequest struct {
	Email        string   `json:"email"`
	Password     string   `json:"password"`
	Name         string   `json:"name"`
	DateOfBirth  string   `json:"dateOfBirth"`
	Supermarkets []string `json:"supermarkets"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type loginResponse struct {
	User         models.PublicUser `json:"user"`
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
}

type tokensResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.Register"

	var req registerRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, op, err)
		return
	}

	var dob *time.Time
	if req.DateOfBirth != "" {
		parsed, err := parseDate(req.DateOfBirth)
		if err != nil {
			h.badRequest(w, op, err)
			return
		}
		dob = &parsed
	}

	user, err := h.auth.Register(r.Context(), auth.RegisterInput{
		Email:        req.Email,
		Password:     req.Password,
		Name:         req.Name,
		DateOfBirth:  dob,
		Supermarkets: req.Supermarkets,
	})
	if err != nil {
		h.fail(w, op, err)
		return
	}

	response.OK(w, http.StatusCreated, "User registered successfully", user)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.Login"

	var req loginRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, op, err)
		return
	}

	session, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(w, op, err)
		return
	}

	h.setTokenCookies(w, session.TokenPair)

	response.OK(w, http.StatusOK, "Login successful", loginResponse{
		User:         session.User,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
	})
}

// VerifyToken checks an access token given in the body or the access cookie.
func (h *AuthHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.VerifyToken"

	var req tokenRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, op, err)
		return
	}

	token := req.Token
	if token == "" {
		token = cookieValue(r, h.cookies.AccessName)
	}

	claims, err := h.auth.VerifyAccess(token)
	if err != nil {
		h.fail(w, op, err)
		return
	}

	response.OK(w, http.StatusOK, "Token is valid", map[string]any{
		"user": map[string]string{"id": claims.UserID},
	})
}

func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.RefreshToken"

	token, ok := h.refreshToken(w, r, op)
	if !ok {
		return
	}

	pair, err := h.auth.Refresh(r.Context(), token)
	if err != nil {
		h.fail(w, op, err)
		return
	}

	h.setTokenCookies(w, *pair)

	response.OK(w, http.StatusOK, "Token refreshed", tokensResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// RevokeToken ends the session of one refresh token and leaves cookies alone.
func (h *AuthHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.RevokeToken"

	token, ok := h.refreshToken(w, r, op)
	if !ok {
		return
	}

	if err := h.auth.Logout(r.Context(), token); err != nil {
		h.fail(w, op, err)
		return
	}

	response.OK(w, http.StatusOK, "Refresh token revoked", nil)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.Logout"

	token, ok := h.refreshToken(w, r, op)
	if !ok {
		return
	}

	if err := h.auth.Logout(r.Context(), token); err != nil {
		h.fail(w, op, err)
		return
	}

	h.clearTokenCookies(w)

	response.OK(w, http.StatusOK, "User logged out", nil)
}

func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.LogoutAll"

	token, ok := h.refreshToken(w, r, op)
	if !ok {
		return
	}

	userID, err := h.auth.LogoutAll(r.Context(), token)
	if err != nil {
		h.fail(w, op, err)
		return
	}

	h.clearTokenCookies(w)

	response.OK(w, http.StatusOK, "All sessions ended", map[string]string{"userId": userID})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.auth.Me"

	userID, ok := identity.UserID(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "no token provided", string(auth.CodeNoToken))
		return
	}

	user, err := h.auth.Profile(r.Context(), userID)
	if err != nil {
		h.fail(w, op, err)
		return
	}

	response.OK(w, http.StatusOK, "User profile", map[string]any{"user": user})
}

// Status is the liveness probe.
func Status(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, http.StatusOK, "Auth Service is up and running", nil)
}

// refreshToken reads the refresh token from the body, falling back to the
// refresh cookie. It writes the error response itself when the body is bad.
func (h *AuthHandler) refreshToken(w http.ResponseWriter, r *http.Request, op string) (string, bool) {
	var req tokenRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, op, err)
		return "", false
	}

	if req.Token != "" {
		return req.Token, true
	}

	return cookieValue(r, h.cookies.RefreshName), true
}

func (h *AuthHandler) setTokenCookies(w http.ResponseWriter, pair auth.TokenPair) {
	h.setCookie(w, h.cookies.AccessName, pair.AccessToken, pair.AccessExpiresAt)
	h.setCookie(w, h.cookies.RefreshName, pair.RefreshToken, pair.RefreshExpiresAt)
}

func (h *AuthHandler) clearTokenCookies(w http.ResponseWriter) {
	for _, name := range []string{h.cookies.AccessName, h.cookies.RefreshName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   h.cookies.Domain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cookies.Secure,
			SameSite: h.cookies.SameSite,
		})
	}
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}

	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cookies.Domain,
		Expires:  expiresAt,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: h.cookies.SameSite,
	})
}

func (h *AuthHandler) badRequest(w http.ResponseWriter, op string, err error) {
	h.log.Warn("bad request", slog.String("op", op), sl.Err(err))
	response.Error(w, http.StatusBadRequest, "invalid request body", string(auth.CodeValidation))
}

// fail maps a service error to its status and reason code. Internal errors
// get a generic message; the detail stays in the service log.
func (h *AuthHandler) fail(w http.ResponseWriter, op string, err error) {
	code := auth.CodeOf(err)
	status := statusOf(code)

	if status == http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("op", op), sl.Err(err))
		response.Error(w, status, "internal error", string(code))
		return
	}

	response.Error(w, status, messageOf(code), string(code))
}

func statusOf(code auth.Code) int {
	switch code {
	case auth.CodeValidation:
		return http.StatusBadRequest
	case auth.CodeInvalidCredentials,
		auth.CodeNoToken,
		auth.CodeMalformed,
		auth.CodeBadSignature,
		auth.CodeExpired,
		auth.CodeInvalidRefreshToken,
		auth.CodeExpiredRefreshToken:
		return http.StatusUnauthorized
	case auth.CodeInvalidToken:
		return http.StatusForbidden
	case auth.CodeNotFound:
		return http.StatusNotFound
	case auth.CodeUserExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func messageOf(code auth.Code) string {
	switch code {
	case auth.CodeInvalidCredentials:
		return "Invalid email or password"
	case auth.CodeValidation:
		return "Validation failed"
	case auth.CodeUserExists:
		return "User already exists"
	case auth.CodeNoToken:
		return "No token provided"
	case auth.CodeMalformed, auth.CodeBadSignature, auth.CodeExpired:
		return "Invalid or expired token"
	case auth.CodeInvalidRefreshToken:
		return "Invalid refresh token"
	case auth.CodeExpiredRefreshToken:
		return "Refresh token expired"
	case auth.CodeNotFound:
		return "Not found"
	default:
		return "Request failed"
	}
}

// decode reads an optional JSON body into dst. An empty body is not an error.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}

	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)

	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}

	return t.UTC(), nil
}

func cookieValue(r *http.Request, name string) string {
	if name == "" {
		return ""
	}

	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}

	return cookie.Value
}
