package auth

import (
	"os"
	"time"
)

// Environment variables read by EnvironmentStore.
const (
	EnvAccount   = "IGOUTREACH_ACCOUNT"
	EnvSessionID = "IGOUTREACH_SESSION_ID"
	EnvCSRFToken = "IGOUTREACH_CSRF_TOKEN"
	EnvUserAgent = "IGOUTREACH_USER_AGENT"
)

// EnvironmentStore is a read-only store for deployments that inject the
// session cookies through the environment.
type EnvironmentStore struct {
	getenv func(string) string
}

func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{getenv: os.Getenv}
}

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(*Account) error {
	return ErrStoreUnavailable
}

// Retrieve returns the environment account. An empty username matches it;
// otherwise the name must equal EnvAccount when that is set.
func (e *EnvironmentStore) Retrieve(username string) (*Account, error) {
	sessionID := e.getenv(EnvSessionID)
	csrfToken := e.getenv(EnvCSRFToken)
	if sessionID == "" || csrfToken == "" {
		return nil, ErrCredentialsNotFound
	}

	name := e.getenv(EnvAccount)
	switch {
	case username == "" && name == "":
		name = "default"
	case username == "":
	case name == "":
		name = username
	case name != username:
		return nil, ErrCredentialsNotFound
	}

	return &Account{
		Username:     name,
		Cookies:      CookiesFromPair(sessionID, csrfToken),
		UserAgent:    e.getenv(EnvUserAgent),
		LastModified: time.Now(),
	}, nil
}

// List returns a single account if environment variables are set
func (e *EnvironmentStore) List() ([]*Account, error) {
	account, err := e.Retrieve("")
	if err != nil {
		return []*Account{}, nil
	}
	return []*Account{account}, nil
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete(string) error {
	return ErrStoreUnavailable
}

func (e *EnvironmentStore) Exists(username string) bool {
	_, err := e.Retrieve(username)
	return err == nil
}
