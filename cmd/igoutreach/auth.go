package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"igoutreach/pkg/auth"
	"igoutreach/pkg/automation"
	errs "igoutreach/pkg/errors"
	"igoutreach/pkg/models"
	"igoutreach/pkg/ui"
)

var (
	loginCookies bool
	loginImport  bool
	loginKind    string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage Instagram accounts",
	Long: `Manage the Instagram sessions igoutreach sends and scrapes with.

Only session cookies are stored, never passwords. Cookies are kept in:
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation
  - Environment variables (read only)`,
}

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Log in and store the session cookies",
	Long: `Log in with a password through the browser automation driver and store
the resulting session cookies. The password is read without echo and is
discarded after the login.

With --cookies, paste the sessionid and csrftoken cookies from a browser
instead. With --import the session is also written to the store for the
current tenant, replacing any expired session of the same account.`,
	Example: `  # Password login
  igoutreach auth login myaccount

  # Browser cookies, imported as a scraper session for tenant acme
  igoutreach auth login myaccount --cookies --import --kind scraper -t acme`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout <username>",
	Short: "Remove a stored account",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogout,
	Annotations: map[string]string{
		skipConfig: "true",
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored accounts",
	Long:  `List stored accounts, newest first, with cookie values masked.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
	Annotations: map[string]string{
		skipConfig: "true",
	},
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(loginCmd, logoutCmd, listCmd)

	loginCmd.Flags().BoolVar(&loginCookies, "cookies", false, "paste browser cookies instead of logging in with a password")
	loginCmd.Flags().BoolVar(&loginImport, "import", false, "also store the session for the current tenant")
	loginCmd.Flags().StringVar(&loginKind, "kind", string(models.SessionSender), "session kind for --import (sender, scraper)")
	loginCmd.Flags().String("driver-url", "", "browser automation driver URL")
	loginCmd.Flags().Bool("headless", true, "run the browser headless")
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kind := models.SessionKind(loginKind)
	if kind != models.SessionSender && kind != models.SessionScraper {
		return errs.New(errs.ErrorTypeConfig, fmt.Sprintf("unknown session kind %q", loginKind))
	}

	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("initialize credential manager: %w", err)
	}

	reader := bufio.NewReader(os.Stdin)
	var username string
	if len(args) > 0 {
		username = args[0]
	} else {
		if username, err = prompt(reader, "Instagram username: "); err != nil {
			return err
		}
	}

	var account *auth.Account
	if loginCookies {
		account, err = cookieLogin(reader, manager, username)
	} else {
		account, err = passwordLogin(cmd, manager, username)
	}
	if err != nil {
		return err
	}
	ui.PrintSuccess(fmt.Sprintf("Stored session for @%s", account.Username))

	if !loginImport {
		return nil
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	if _, err := auth.ImportSession(ctx, st, account, cfg.Sending.Tenant, kind); err != nil {
		return err
	}
	ui.PrintInfo("Imported", fmt.Sprintf("%s session for tenant %s", kind, cfg.Sending.Tenant))
	return nil
}

func passwordLogin(cmd *cobra.Command, manager *auth.Manager, username string) (*auth.Account, error) {
	password, err := auth.TerminalPassword("Password: ")
	if err != nil {
		return nil, err
	}
	client := automation.NewClient(cfg.Browser, log)
	defer client.Close()

	account, err := manager.Login(cmd.Context(), client, username, password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		ui.PrintError("Login did not return a session")
		auth.WriteCookieGuide(os.Stderr)
	}
	return account, err
}

func cookieLogin(reader *bufio.Reader, manager *auth.Manager, username string) (*auth.Account, error) {
	auth.WriteCookieGuide(os.Stderr)
	sessionID, err := prompt(reader, "sessionid: ")
	if err != nil {
		return nil, err
	}
	csrfToken, err := prompt(reader, "csrftoken: ")
	if err != nil {
		return nil, err
	}
	userAgent, err := prompt(reader, "User agent (optional): ")
	if err != nil {
		return nil, err
	}

	account := &auth.Account{
		Username:  strings.TrimPrefix(username, "@"),
		Cookies:   auth.CookiesFromPair(sessionID, csrfToken),
		UserAgent: userAgent,
	}
	if err := manager.Store(account); err != nil {
		return nil, err
	}
	return account, nil
}

func prompt(reader *bufio.Reader, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(label, ": "), err)
	}
	return strings.TrimSpace(line), nil
}

func runLogout(_ *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("initialize credential manager: %w", err)
	}
	if err := manager.Delete(args[0]); err != nil {
		return err
	}
	ui.PrintSuccess(fmt.Sprintf("Removed @%s", args[0]))
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("initialize credential manager: %w", err)
	}
	accounts, err := manager.List()
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		ui.PrintWarning("No stored accounts", "run 'igoutreach auth login'")
		return nil
	}
	for _, a := range accounts {
		masked := auth.SanitizeAccount(a)
		ui.PrintInfo("@"+a.Username, fmt.Sprintf("sessionid %s, updated %s",
			masked.Cookie(auth.CookieSessionID), a.LastModified.Local().Format(time.DateTime)))
	}
	return nil
}
