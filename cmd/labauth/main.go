// Package main provides the labauth command line client. It manages the
// authenticated session against the laboratory management identity service:
// sign in and out, register, verify one-time codes, reset passwords, and run
// browser-based provider logins.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/subashmuthub/labauth/internal/buildinfo"
	"github.com/subashmuthub/labauth/internal/config"
	"github.com/subashmuthub/labauth/internal/identity"
	"github.com/subashmuthub/labauth/internal/logging"
	"github.com/subashmuthub/labauth/internal/watcher"
	"github.com/subashmuthub/labauth/sdk/session"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var (
		configPath    string
		doLogin       bool
		doRegister    bool
		doReset       bool
		doLogout      bool
		doStatus      bool
		doWhoami      bool
		oauthProvider string
		email         string
		password      string
		noBrowser     bool
	)

	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.BoolVar(&doLogin, "login", false, "sign in with email and password")
	flag.BoolVar(&doRegister, "register", false, "register a new account")
	flag.BoolVar(&doReset, "reset-password", false, "reset a forgotten password via one-time code")
	flag.BoolVar(&doLogout, "logout", false, "sign out and retract the local session")
	flag.BoolVar(&doStatus, "status", false, "print the current session state")
	flag.BoolVar(&doWhoami, "whoami", false, "print the signed-in user's email")
	flag.StringVar(&oauthProvider, "oauth", "", "sign in via a third-party provider (e.g. google)")
	flag.StringVar(&email, "email", "", "email address for login")
	flag.StringVar(&password, "password", "", "password for login (prompted when omitted)")
	flag.BoolVar(&noBrowser, "no-browser", false, "print the provider URL instead of opening a browser")
	flag.Parse()

	fmt.Printf("labauth Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logging.SetLevel(cfg.Debug)
	if errLog := logging.EnableFileLogging(cfg.LogDir); errLog != nil {
		log.Warnf("file logging disabled: %v", errLog)
	}

	mode, err := session.ParseMode(cfg.SessionMode)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	store, err := session.NewFileStore(cfg.SessionFile)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}

	manager, err := buildManager(cfg, mode, store)
	if err != nil {
		log.Fatalf("failed to initialize session manager: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager.Start(ctx)

	fileWatcher, err := watcher.New(store.Path(), manager.Resync, manager.Resync)
	if err != nil {
		log.Warnf("cross-context sync disabled: %v", err)
	} else if errWatch := fileWatcher.Start(ctx); errWatch != nil {
		log.Warnf("cross-context sync disabled: %v", errWatch)
	} else {
		defer func() { _ = fileWatcher.Stop() }()
	}
	defer func() {
		if errFlush := manager.Flush(); errFlush != nil {
			log.Debugf("session flush on exit failed: %v", errFlush)
		}
	}()

	switch {
	case doLogin:
		runLogin(ctx, manager, email, password)
	case doRegister:
		runRegister(ctx, manager)
	case doReset:
		runPasswordReset(ctx, manager, email)
	case oauthProvider != "":
		runOAuth(ctx, manager, cfg, oauthProvider, noBrowser)
	case doLogout:
		result := manager.Logout(ctx)
		fmt.Println(result.Message)
	case doStatus:
		printStatus(manager)
	case doWhoami:
		if user := manager.CurrentUser(); user != nil {
			fmt.Println(user.Email)
		} else {
			fmt.Println("not signed in")
			os.Exit(1)
		}
	default:
		flag.Usage()
	}
}

func buildManager(cfg *config.Config, mode session.Mode, store *session.FileStore) (*session.Manager, error) {
	var manager *session.Manager
	client, err := identity.NewClient(identity.Options{
		BaseURL:    cfg.ServerURL,
		CookieMode: mode == session.ModeCookie,
		Timeout:    cfg.RequestTimeout(),
		Credential: func() string {
			if manager == nil {
				return ""
			}
			return manager.Credential()
		},
	})
	if err != nil {
		return nil, err
	}
	manager, err = session.NewManager(session.ManagerOptions{
		Mode:           mode,
		Store:          store,
		Client:         client,
		VerifyTimeout:  cfg.VerifyTimeout(),
		VerifyInterval: cfg.VerifyInterval(),
	})
	return manager, err
}

func runLogin(ctx context.Context, manager *session.Manager, email, password string) {
	if email == "" {
		email = prompt("Email: ")
	}
	if password == "" {
		password = prompt("Password: ")
	}
	result := manager.Login(ctx, email, password)
	reportResult(result)
}

func runRegister(ctx context.Context, manager *session.Manager) {
	profile := map[string]any{
		"name":     prompt("Name: "),
		"email":    prompt("Email: "),
		"password": prompt("Password: "),
	}
	result := manager.Register(ctx, profile)
	if result.Outcome != session.OutcomeOTPRequired {
		reportResult(result)
		return
	}

	fmt.Printf("A verification code was sent to %s.\n", result.Email)
	for {
		code := prompt("Verification code: ")
		verify := manager.VerifyOTP(ctx, result.Email, code)
		if verify.Success() {
			final := manager.RegisterWithOTP(ctx, profile, code)
			reportResult(final)
			return
		}
		fmt.Println(verify.Message)
		if strings.EqualFold(prompt("Resend code? [y/N]: "), "y") {
			resend := manager.ResendOTP(ctx, result.Email, "registration")
			fmt.Println(resend.Message)
		}
	}
}

func runPasswordReset(ctx context.Context, manager *session.Manager, email string) {
	if email == "" {
		email = prompt("Email: ")
	}
	sent := manager.SendPasswordResetOTP(ctx, email)
	if !sent.Success() {
		fmt.Println(sent.Message)
		return
	}
	fmt.Println(sent.Message)

	code := prompt("Reset code: ")
	verify := manager.VerifyOTP(ctx, email, code)
	if !verify.Success() {
		fmt.Println(verify.Message)
		return
	}
	newPassword := prompt("New password: ")
	result := manager.ResetPasswordWithOTP(ctx, email, code, newPassword)
	fmt.Println(result.Message)
}

func runOAuth(ctx context.Context, manager *session.Manager, cfg *config.Config, provider string, noBrowser bool) {
	result := manager.LoginWithProvider(ctx, provider, session.OAuthOptions{
		CallbackPort: cfg.OAuthCallbackPort,
		NoBrowser:    noBrowser,
	})
	reportResult(result)
}

func printStatus(manager *session.Manager) {
	if manager.IsLoading() {
		fmt.Println("Session: restoring...")
		return
	}
	if !manager.IsAuthenticated() {
		fmt.Println("Session: not signed in")
		return
	}
	user := manager.CurrentUser()
	fmt.Printf("Session: signed in as %s", user.Email)
	if user.Name != "" {
		fmt.Printf(" (%s)", user.Name)
	}
	if user.Role != "" {
		fmt.Printf(", role %s", user.Role)
	}
	fmt.Println()
}

func reportResult(result session.FlowResult) {
	if result.Outcome == session.OutcomeEstablished {
		fmt.Printf("Signed in as %s.\n", result.User.Email)
		return
	}
	fmt.Println(result.Message)
	if !result.Success() {
		os.Exit(1)
	}
}

var stdin = bufio.NewReader(os.Stdin)

func prompt(label string) string {
	fmt.Print(label)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}
