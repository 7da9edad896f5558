package httpserver

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"vilniustech/student-portal/internal/audit"
	"vilniustech/student-portal/internal/auth"
	"vilniustech/student-portal/internal/identity"
	"vilniustech/student-portal/internal/observability"
	"vilniustech/student-portal/internal/session"
)

const resetRequestedMessage = "If that account exists, a password reset link has been sent."

func (h *handler) registerAuthRoutes(r *mux.Router) {
	r.HandleFunc("/register", h.registerPage).Methods(http.MethodGet)
	r.HandleFunc("/register", h.register).Methods(http.MethodPost)
	r.HandleFunc("/login", h.login).Methods(http.MethodPost)
	r.HandleFunc("/logout", h.logout).Methods(http.MethodGet)
	r.HandleFunc("/forgot-password", h.forgotPasswordPage).Methods(http.MethodGet)
	r.HandleFunc("/forgot-password", h.forgotPassword).Methods(http.MethodPost)
	r.HandleFunc("/reset-password/{token}", h.resetPasswordPage).Methods(http.MethodGet)
	r.HandleFunc("/reset-password/{token}", h.resetPassword).Methods(http.MethodPost)
	r.Handle("/change-username", h.requireUser(http.HandlerFunc(h.changeUsername))).Methods(http.MethodPost)
	r.Handle("/change-password", h.requireUser(http.HandlerFunc(h.changePassword))).Methods(http.MethodPost)
	r.HandleFunc("/language-preference", h.languagePreference).Methods(http.MethodPost)
}

type registerForm struct {
	FirstName string
	LastName  string
	Username  string
	Email     string
}

func (h *handler) registerPage(w http.ResponseWriter, r *http.Request) {
	if currentUser(r) != nil {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	h.render(w, r, http.StatusOK, "register", "Register", nil, registerForm{})
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	form := registerForm{
		FirstName: strings.TrimSpace(r.PostFormValue("first_name")),
		LastName:  strings.TrimSpace(r.PostFormValue("last_name")),
		Username:  strings.TrimSpace(r.PostFormValue("username")),
		Email:     strings.ToLower(strings.TrimSpace(r.PostFormValue("email"))),
	}
	lang := identity.DefaultLanguage
	if s := session.FromContext(r.Context()); s != nil {
		lang = s.Language()
	}

	u, err := h.deps.Auth.Register(r.Context(), auth.RegisterInput{
		FirstName:         form.FirstName,
		LastName:          form.LastName,
		Username:          form.Username,
		Email:             form.Email,
		Password:          r.PostFormValue("password"),
		ConfirmPassword:   r.PostFormValue("confirm_password"),
		PreferredLanguage: lang,
	})
	if fe, ok := auth.AsFormError(err); ok {
		h.deps.Metrics.AuthEvent("register", audit.OutcomeFailed)
		h.auditReq(r, form.Username, "auth.register", form.Email, audit.OutcomeFailed, strings.Join(fe.Messages, "; "))
		h.render(w, r, http.StatusBadRequest, "register", "Register", fe.Messages, form)
		return
	}
	if isUnavailable(err) {
		observability.LogError(h.log, "register failed", err)
		unavailable(w, r)
		return
	}
	if err != nil {
		observability.LogError(h.log, "register failed", err)
		h.auditReq(r, form.Username, "auth.register", form.Email, audit.OutcomeFailed, "internal error")
		flashRedirect(w, r, session.FlashError, "An error occurred during registration", "/auth/register")
		return
	}

	h.deps.Metrics.AuthEvent("register", audit.OutcomeSuccess)
	h.auditReq(r, u.Username, "auth.register", strconv.FormatInt(u.ID, 10), audit.OutcomeSuccess, "")
	flashRedirect(w, r, session.FlashSuccess, "You are now registered and can log in", "/")
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	identifier := strings.TrimSpace(r.PostFormValue("email"))

	u, err := h.deps.Auth.Login(r.Context(), identifier, r.PostFormValue("password"))
	if err != nil {
		var msg string
		switch fe, isForm := auth.AsFormError(err); {
		case isForm:
			msg = strings.Join(fe.Messages, " ")
		case errors.Is(err, auth.ErrInvalidCredentials):
			msg = "Invalid email/username or password"
		case errors.Is(err, auth.ErrUserNotFound):
			msg = "User not found"
		case errors.Is(err, auth.ErrPasswordIncorrect):
			msg = "Password incorrect"
		case isUnavailable(err):
			observability.LogError(h.log, "login failed", err)
			unavailable(w, r)
			return
		default:
			observability.LogError(h.log, "login failed", err)
			msg = "An error occurred during login"
		}
		h.deps.Metrics.AuthEvent("login", audit.OutcomeFailed)
		h.auditReq(r, identifier, "auth.login", "", audit.OutcomeFailed, msg)
		flashRedirect(w, r, session.FlashError, msg, "/")
		return
	}

	s, err = h.deps.Sessions.Regenerate(r.Context(), s)
	if err != nil {
		observability.LogError(h.log, "regenerate session failed", err)
		if isUnavailable(err) {
			unavailable(w, r)
			return
		}
		flashRedirect(w, r, session.FlashError, "An error occurred during login", "/")
		return
	}

	lang := u.PreferredLanguage
	if lang == "" {
		lang = s.Data.PreferredLanguage
	}
	lang = identity.NormalizeLanguage(lang)
	s.Data.User = &session.User{
		ID:                u.ID,
		Username:          u.Username,
		Email:             u.Email,
		Role:              u.Role,
		AvatarURL:         u.AvatarURL,
		FirstName:         u.FirstName,
		LastName:          u.LastName,
		PreferredLanguage: lang,
	}
	s.Data.PreferredLanguage = lang

	h.deps.Metrics.AuthEvent("login", audit.OutcomeSuccess)
	h.auditReq(r, u.Username, "auth.login", strconv.FormatInt(u.ID, 10), audit.OutcomeSuccess, "")
	http.Redirect(w, r, "/dashboard", http.StatusFound)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	actor := ""
	if u := currentUser(r); u != nil {
		actor = u.Username
	}
	if s != nil {
		if err := h.deps.Sessions.Destroy(r.Context(), w, s); err != nil {
			observability.LogError(h.log, "destroy session failed", err)
		}
	}
	if actor != "" {
		h.auditReq(r, actor, "auth.logout", "", audit.OutcomeSuccess, "")
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *handler) forgotPasswordPage(w http.ResponseWriter, r *http.Request) {
	if currentUser(r) != nil {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	h.render(w, r, http.StatusOK, "forgot_password", "Forgot password", nil, nil)
}

func (h *handler) forgotPassword(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(strings.TrimSpace(r.PostFormValue("email")))
	err := h.deps.Auth.RequestPasswordReset(r.Context(), email)
	if fe, ok := auth.AsFormError(err); ok {
		flashRedirect(w, r, session.FlashError, strings.Join(fe.Messages, " "), "/auth/forgot-password")
		return
	}
	if err != nil {
		// Unknown and failing addresses look the same to the caller.
		observability.LogError(h.log, "password reset request failed", err)
	}
	h.deps.Metrics.AuthEvent("reset_request", audit.OutcomeSuccess)
	h.auditReq(r, email, "auth.reset_request", "", audit.OutcomeSuccess, "")
	flashRedirect(w, r, session.FlashSuccess, resetRequestedMessage, "/auth/forgot-password")
}

func (h *handler) resetPasswordPage(w http.ResponseWriter, r *http.Request) {
	if currentUser(r) != nil {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}
	token := strings.TrimSpace(mux.Vars(r)["token"])
	if err := h.deps.Auth.ValidateResetToken(r.Context(), token); err != nil {
		if !errors.Is(err, auth.ErrResetTokenInvalid) {
			observability.LogError(h.log, "validate reset token failed", err)
		}
		flashRedirect(w, r, session.FlashError, "Reset link is invalid or expired", "/auth/forgot-password")
		return
	}
	h.render(w, r, http.StatusOK, "reset_password", "Reset password", nil, token)
}

func (h *handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(mux.Vars(r)["token"])
	userID, err := h.deps.Auth.ResetPassword(r.Context(), token, r.PostFormValue("password"), r.PostFormValue("confirm_password"))
	switch fe, isForm := auth.AsFormError(err); {
	case err == nil:
		h.deps.Metrics.AuthEvent("reset", audit.OutcomeSuccess)
		h.auditReq(r, "", "auth.reset", strconv.FormatInt(userID, 10), audit.OutcomeSuccess, "")
		flashRedirect(w, r, session.FlashSuccess, "Password updated successfully. Please sign in.", "/")
	case isForm:
		flashRedirect(w, r, session.FlashError, strings.Join(fe.Messages, " "), "/auth/reset-password/"+token)
	case errors.Is(err, auth.ErrResetTokenInvalid):
		h.deps.Metrics.AuthEvent("reset", audit.OutcomeFailed)
		h.auditReq(r, "", "auth.reset", "", audit.OutcomeFailed, "invalid token")
		flashRedirect(w, r, session.FlashError, "Reset link is invalid or expired", "/auth/forgot-password")
	case isUnavailable(err):
		observability.LogError(h.log, "reset password failed", err)
		unavailable(w, r)
	default:
		observability.LogError(h.log, "reset password failed", err)
		flashRedirect(w, r, session.FlashError, "Could not reset password. Please try again.", "/auth/reset-password/"+token)
	}
}

func (h *handler) changeUsername(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())
	su := s.Data.User
	oldName := su.Username

	u, err := h.deps.Auth.ChangeUsername(r.Context(), su.ID,
		r.PostFormValue("current_identity"),
		r.PostFormValue("password"),
		r.PostFormValue("new_username"),
	)
	if err != nil {
		var msg string
		switch fe, isForm := auth.AsFormError(err); {
		case isForm:
			msg = strings.Join(fe.Messages, " ")
		case errors.Is(err, auth.ErrPasswordIncorrect):
			msg = "Password incorrect"
		case errors.Is(err, auth.ErrUserNotFound):
			msg = "User not found"
		case isUnavailable(err):
			observability.LogError(h.log, "change username failed", err)
			unavailable(w, r)
			return
		default:
			observability.LogError(h.log, "change username failed", err)
			msg = "An error occurred while updating username"
		}
		h.auditReq(r, oldName, "auth.change_username", "", audit.OutcomeFailed, msg)
		flashRedirect(w, r, session.FlashError, msg, "/profile")
		return
	}

	su.Username = u.Username
	su.Role = u.Role
	h.auditReq(r, oldName, "auth.change_username", u.Username, audit.OutcomeSuccess, "")
	flashRedirect(w, r, session.FlashSuccess, "Username updated successfully. You can sign in with your new username.", "/profile")
}

func (h *handler) changePassword(w http.ResponseWriter, r *http.Request) {
	su := currentUser(r)
	err := h.deps.Auth.ChangePassword(r.Context(), su.ID,
		r.PostFormValue("current_password"),
		r.PostFormValue("new_password"),
		r.PostFormValue("confirm_password"),
	)
	if err != nil {
		var msg string
		switch fe, isForm := auth.AsFormError(err); {
		case isForm:
			msg = strings.Join(fe.Messages, " ")
		case errors.Is(err, auth.ErrPasswordIncorrect):
			msg = "Current password is incorrect"
		case errors.Is(err, auth.ErrUserNotFound):
			msg = "User not found"
		case isUnavailable(err):
			observability.LogError(h.log, "change password failed", err)
			unavailable(w, r)
			return
		default:
			observability.LogError(h.log, "change password failed", err)
			msg = "An error occurred while updating password"
		}
		h.auditReq(r, su.Username, "auth.change_password", "", audit.OutcomeFailed, msg)
		flashRedirect(w, r, session.FlashError, msg, "/profile")
		return
	}
	h.auditReq(r, su.Username, "auth.change_password", "", audit.OutcomeSuccess, "")
	flashRedirect(w, r, session.FlashSuccess, "Password updated successfully", "/profile")
}

// languagePreference accepts a JSON or form body carrying language (or
// lang). Anonymous visitors only change their session.
func (h *handler) languagePreference(w http.ResponseWriter, r *http.Request) {
	var raw string
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var body struct {
			Language string `json:"language"`
			Lang     string `json:"lang"`
		}
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body)
		raw = body.Language
		if raw == "" {
			raw = body.Lang
		}
	} else {
		raw = r.PostFormValue("language")
		if raw == "" {
			raw = r.PostFormValue("lang")
		}
	}
	lang := identity.NormalizeLanguage(raw)

	s := session.FromContext(r.Context())
	if s == nil {
		writeError(w, http.StatusInternalServerError, "Could not update language preference")
		return
	}
	if u := s.Data.User; u != nil {
		stored, err := h.deps.Auth.UpdatePreferredLanguage(r.Context(), u.ID, lang)
		if err != nil {
			observability.LogError(h.log, "update language preference failed", err, "user_id", u.ID)
			if isUnavailable(err) {
				unavailable(w, r)
				return
			}
			writeError(w, http.StatusInternalServerError, "Could not update language preference")
			return
		}
		u.PreferredLanguage = stored
	}
	s.Data.PreferredLanguage = lang
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "language": lang})
}
