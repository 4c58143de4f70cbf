package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"igoutreach/pkg/automation"
	"igoutreach/pkg/models"
)

// Authenticator exchanges a password for session cookies.
type Authenticator interface {
	Login(ctx context.Context, creds automation.Credentials) ([]models.Cookie, error)
}

// SessionSaver persists sessions; satisfied by store.SessionStore.
type SessionSaver interface {
	SaveSession(ctx context.Context, s *models.Session) error
}

// Login performs a password login through auth and stores the resulting
// cookies. The password is discarded once the call returns.
func (m *Manager) Login(ctx context.Context, authn Authenticator, username, password string) (*Account, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	cookies, err := authn.Login(ctx, automation.Credentials{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}

	account := &Account{Username: username, Cookies: cookies}
	if account.Cookie(CookieSessionID) == "" {
		return nil, fmt.Errorf("login %s: %w: no %s cookie returned", username, ErrInvalidCredentials, CookieSessionID)
	}
	if err := m.Store(account); err != nil {
		return nil, err
	}
	return account, nil
}

// ImportSession writes the account's cookies as a session row for tenant.
// An existing session for the same account and kind is replaced, which
// also clears its expired flag.
func ImportSession(ctx context.Context, st SessionSaver, acc *Account, tenant string, kind models.SessionKind) (models.Session, error) {
	if acc == nil || acc.Cookie(CookieSessionID) == "" {
		return models.Session{}, ErrInvalidCredentials
	}
	if tenant == "" {
		return models.Session{}, errors.New("tenant is required")
	}
	sess := acc.Session(tenant, kind)
	if err := st.SaveSession(ctx, &sess); err != nil {
		return models.Session{}, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// TerminalPassword prompts on stderr and reads a password without echo.
func TerminalPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// WriteCookieGuide prints how to copy the session cookies out of a
// browser, for accounts that cannot use password login.
func WriteCookieGuide(w io.Writer) {
	fmt.Fprintf(w, `To import a browser session:
  1. Log into instagram.com in your browser
  2. Open Developer Tools and go to Application > Cookies
  3. Copy the %q and %q values
  4. Run: igoutreach auth login <username> --cookies

Or export them for headless runs:
  export %s=...
  export %s=...
`, CookieSessionID, CookieCSRFToken, EnvSessionID, EnvCSRFToken)
}
