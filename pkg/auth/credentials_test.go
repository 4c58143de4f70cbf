package auth

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igoutreach/pkg/automation/automationtest"
	"igoutreach/pkg/models"
	"igoutreach/pkg/store/memstore"
)

func testAccount(name string) *Account {
	return &Account{
		Username:  name,
		Cookies:   CookiesFromPair("session_"+name+"_12345", "csrf_"+name+"_67890"),
		UserAgent: "TestAgent/1.0",
	}
}

func TestCredentialManager(t *testing.T) {
	mem := NewMemoryStore()
	manager := NewManagerWith(mem)

	require.NoError(t, manager.Store(testAccount("testuser")))

	retrieved, err := manager.Retrieve("testuser")
	require.NoError(t, err)
	assert.Equal(t, "testuser", retrieved.Username)
	assert.Equal(t, "session_testuser_12345", retrieved.Cookie(CookieSessionID))
	assert.Equal(t, "csrf_testuser_67890", retrieved.Cookie(CookieCSRFToken))
	assert.False(t, retrieved.LastModified.IsZero())

	accounts, err := manager.List()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	require.NoError(t, manager.Delete("testuser"))
	_, err = manager.Retrieve("testuser")
	assert.ErrorIs(t, err, ErrCredentialsNotFound)
	assert.Equal(t, 0, mem.Count())

	err = manager.Delete("testuser")
	assert.ErrorIs(t, err, ErrCredentialsNotFound)
}

func TestStoreRequiresSessionCookie(t *testing.T) {
	manager := NewManagerWith(NewMemoryStore())

	assert.Error(t, manager.Store(&Account{Username: "nobody"}))
	assert.Error(t, manager.Store(&Account{Cookies: CookiesFromPair("s", "c")}))
	assert.Error(t, manager.Store(&Account{
		Username: "csrf_only",
		Cookies:  []models.Cookie{{Name: CookieCSRFToken, Value: "c"}},
	}))
}

func TestStoreFallsThroughStores(t *testing.T) {
	broken := NewMemoryStore()
	broken.StoreError = errors.New("keychain locked")
	backup := NewMemoryStore()
	manager := NewManagerWith(broken, backup)

	require.NoError(t, manager.Store(testAccount("alice")))
	assert.Equal(t, 0, broken.Count())
	assert.True(t, backup.Exists("alice"))

	backup.StoreError = errors.New("disk full")
	err := manager.Store(testAccount("bob"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestListNewestFirstAndDeduplicated(t *testing.T) {
	first, second := NewMemoryStore(), NewMemoryStore()
	old := testAccount("alice")
	old.LastModified = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := testAccount("alice")
	newer.UserAgent = "Newer/2.0"
	newer.LastModified = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bob := testAccount("bob")
	bob.LastModified = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, first.Store(old))
	require.NoError(t, first.Store(bob))
	require.NoError(t, second.Store(newer))

	failing := NewMemoryStore()
	failing.ListError = errors.New("unavailable")

	accounts, err := NewManagerWith(failing, first, second).List()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "alice", accounts[0].Username)
	assert.Equal(t, "Newer/2.0", accounts[0].UserAgent)
	assert.Equal(t, "bob", accounts[1].Username)
}

func TestRetrieveDefaultPrefersEnvironment(t *testing.T) {
	mem := NewMemoryStore()
	require.NoError(t, mem.Store(testAccount("stored")))
	env := &EnvironmentStore{getenv: mapEnv(map[string]string{
		EnvSessionID: "env_session",
		EnvCSRFToken: "env_csrf",
		EnvAccount:   "from_env",
	})}

	account, err := NewManagerWith(mem, env).RetrieveDefault()
	require.NoError(t, err)
	assert.Equal(t, "from_env", account.Username)

	account, err = NewManagerWith(mem, &EnvironmentStore{getenv: mapEnv(nil)}).RetrieveDefault()
	require.NoError(t, err)
	assert.Equal(t, "stored", account.Username)

	_, err = NewManagerWith(NewMemoryStore()).RetrieveDefault()
	assert.ErrorIs(t, err, ErrCredentialsNotFound)
}

func TestSanitizeAccount(t *testing.T) {
	account := testAccount("testuser")
	sanitized := SanitizeAccount(account)

	assert.Equal(t, account.Username, sanitized.Username)
	assert.Equal(t, "sess...2345", sanitized.Cookie(CookieSessionID))
	assert.NotEqual(t, account.Cookie(CookieCSRFToken), sanitized.Cookie(CookieCSRFToken))
	assert.Equal(t, "session_testuser_12345", account.Cookie(CookieSessionID), "original must be untouched")
	assert.Nil(t, SanitizeAccount(nil))
	assert.Equal(t, "********", maskString("short"))
}

func TestAccountSession(t *testing.T) {
	account := testAccount("Scout")

	sess := account.Session("t1", models.SessionScraper)
	assert.Equal(t, "t1", sess.Tenant)
	assert.Equal(t, models.Handle("scout"), sess.Account)
	assert.Equal(t, models.SessionScraper, sess.Kind)
	require.Len(t, sess.Cookies, 2)

	sess.Cookies[0].Value = "changed"
	assert.Equal(t, "session_Scout_12345", account.Cookie(CookieSessionID))
}

func TestEncryptedFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	store, err := NewEncryptedFileStoreWithPassphrase(path, "test_passphrase_123")
	require.NoError(t, err)

	account := &Account{
		Username: "encrypted_user",
		Cookies:  CookiesFromPair("encrypted_session", "encrypted_csrf"),
	}
	require.NoError(t, store.Store(account))
	assert.ErrorIs(t, store.Store(&Account{Username: "empty"}), ErrInvalidCredentials)

	retrieved, err := store.Retrieve("encrypted_user")
	require.NoError(t, err)
	assert.Equal(t, "encrypted_session", retrieved.Cookie(CookieSessionID))
	assert.True(t, store.Exists("encrypted_user"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("encrypted_session")), "file contains plaintext session id")
	assert.False(t, bytes.Contains(raw, []byte("encrypted_csrf")), "file contains plaintext csrf token")

	other, err := NewEncryptedFileStoreWithPassphrase(path, "wrong")
	require.NoError(t, err)
	_, err = other.Retrieve("encrypted_user")
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	require.NoError(t, store.Delete("encrypted_user"))
	_, err = store.Retrieve("encrypted_user")
	assert.ErrorIs(t, err, ErrCredentialsNotFound)
}

func TestEncryptedFileStoreVault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.enc")
	store, err := NewEncryptedFileStoreWithPassphrase(path, "pass")
	require.NoError(t, err)

	accounts, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, accounts)
	assert.ErrorIs(t, store.Delete("nobody"), ErrCredentialsNotFound)

	require.NoError(t, store.Store(testAccount("alice")))
	require.NoError(t, store.Store(testAccount("bob")))
	accounts, err = store.List()
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	require.NoError(t, store.Delete("alice"))
	require.NoError(t, store.Delete("bob"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "empty vault leaves no file behind")

	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"salt":"","sealed":""}`), 0o600))
	_, err = store.Retrieve("alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported credentials file version 1")
}

func TestEncryptedFileStoreReadsPassphraseFromEnv(t *testing.T) {
	t.Setenv(PassphraseEnv, "from_environment")
	path := filepath.Join(t.TempDir(), "creds.enc")

	store, err := NewEncryptedFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Store(testAccount("alice")))

	same, err := NewEncryptedFileStoreWithPassphrase(path, "from_environment")
	require.NoError(t, err)
	assert.True(t, same.Exists("alice"))
}

func TestEnvironmentStore(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		username string
		want     string
		found    bool
	}{
		{"unset", nil, "", "", false},
		{"csrf missing", map[string]string{EnvSessionID: "s"}, "", "", false},
		{"default name", map[string]string{EnvSessionID: "s", EnvCSRFToken: "c"}, "", "default", true},
		{"caller name", map[string]string{EnvSessionID: "s", EnvCSRFToken: "c"}, "bob", "bob", true},
		{"named", map[string]string{EnvSessionID: "s", EnvCSRFToken: "c", EnvAccount: "ana"}, "ana", "ana", true},
		{"name mismatch", map[string]string{EnvSessionID: "s", EnvCSRFToken: "c", EnvAccount: "ana"}, "bob", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &EnvironmentStore{getenv: mapEnv(tt.env)}
			account, err := store.Retrieve(tt.username)
			if !tt.found {
				assert.ErrorIs(t, err, ErrCredentialsNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, account.Username)
			assert.Equal(t, "s", account.Cookie(CookieSessionID))
			assert.Equal(t, "c", account.Cookie(CookieCSRFToken))
		})
	}

	store := &EnvironmentStore{getenv: mapEnv(nil)}
	assert.ErrorIs(t, store.Store(testAccount("x")), ErrStoreUnavailable)
	assert.ErrorIs(t, store.Delete("x"), ErrStoreUnavailable)
	accounts, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	fake := automationtest.New()
	fake.LoginCookies = CookiesFromPair("fresh_session", "fresh_csrf")
	mem := NewMemoryStore()
	manager := NewManagerWith(mem)

	account, err := manager.Login(ctx, fake, " @Sender ", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "Sender", account.Username)
	assert.Contains(t, fake.CallLog(), "login:Sender")

	stored, err := mem.Retrieve("Sender")
	require.NoError(t, err)
	assert.Equal(t, "fresh_session", stored.Cookie(CookieSessionID))

	_, err = manager.Login(ctx, fake, "sender", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	fake.LoginCookies = nil
	_, err = manager.Login(ctx, fake, "sender", "wrong")
	assert.Error(t, err)

	fake.LoginCookies = []models.Cookie{{Name: "mid", Value: "x"}}
	_, err = manager.Login(ctx, fake, "sender", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestImportSessionReplacesExisting(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	account := testAccount("sender")

	first, err := ImportSession(ctx, st, account, "t1", models.SessionSender)
	require.NoError(t, err)
	require.NotZero(t, first.ID)
	require.NoError(t, st.MarkSessionExpired(ctx, first.ID))

	account.Cookies = CookiesFromPair("rotated", "csrf")
	second, err := ImportSession(ctx, st, account, "t1", models.SessionSender)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	sess, err := st.Session(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, sess.Expired)
	assert.Equal(t, "rotated", sess.Cookies[0].Value)

	scraper, err := ImportSession(ctx, st, account, "t1", models.SessionScraper)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, scraper.ID)

	_, err = ImportSession(ctx, st, &Account{Username: "x"}, "t1", models.SessionSender)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = ImportSession(ctx, st, account, "", models.SessionSender)
	assert.Error(t, err)
}

func TestWriteCookieGuide(t *testing.T) {
	var buf bytes.Buffer
	WriteCookieGuide(&buf)
	assert.Contains(t, buf.String(), `"sessionid"`)
	assert.Contains(t, buf.String(), EnvSessionID)
}

func mapEnv(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}
