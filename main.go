package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ardanlabs/conf/v3"
	"github.com/zibrolabs/zibro/app"
	"github.com/zibrolabs/zibro/app/call"
	"github.com/zibrolabs/zibro/app/socket"
	"github.com/zibrolabs/zibro/backend"
	"github.com/zibrolabs/zibro/storage/convdb"
	"github.com/zibrolabs/zibro/ui/tui"
	"go.uber.org/zap"
)

var build = "develop"

func main() {
	log, err := newLogger()
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(context.Background(), log); err != nil {
		log.Error("startup", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"zarf/client/client.log"}

	return cfg.Build()
}

func run(ctx context.Context, log *zap.Logger) error {

	// -------------------------------------------------------------------------
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			APIURL    string `conf:"default:http://localhost:8080"`
			SocketURL string `conf:"default:ws://localhost:8080/ws"`
		}
		Storage struct {
			FilePath string `conf:"default:zarf/client"`
		}
		Call struct {
			STUNURL        string `conf:"default:stun:stun.l.google.com:19302"`
			TURNHost       string `conf:"default:zibro.live"`
			TURNUsername   string
			TURNCredential string `conf:"mask"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "Zibro Client",
		},
	}

	const prefix = "ZIBRO"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	log.Info("starting client", zap.String("build", cfg.Build))
	defer log.Info("shutdown complete")

	// -------------------------------------------------------------------------
	// Session and storage

	tokens, err := backend.NewTokenFile(cfg.Storage.FilePath)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}

	api := backend.NewClient(cfg.Web.APIURL, tokens, log)

	db, err := convdb.NewDB(cfg.Storage.FilePath)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	defer db.Close()

	user, err := api.Me(ctx)
	if err != nil {
		log.Info("no active session, starting signup", zap.Error(err))

		user, err = signup(ctx, api)
		if err != nil {
			return fmt.Errorf("signup: %w", err)
		}
	}

	friends, err := api.Friends(ctx)
	if err != nil {
		return fmt.Errorf("friends: %w", err)
	}

	// -------------------------------------------------------------------------
	// UI, socket and call engine

	ui := tui.New(user.Name, friends)

	sock := socket.NewManager(cfg.Web.SocketURL, api.AccessToken, api, log)
	sock.SetStateFunc(func(connected bool) {
		if connected {
			ui.WriteText("system", "connected")
			return
		}
		ui.WriteText("system", "disconnected")
	})

	engine := call.New(call.Config{
		Signaler:   sock,
		Directory:  api,
		Media:      call.SilentMedia{},
		Ringer:     &call.BellRinger{Out: os.Stdout},
		Notifier:   uiNotifier{ui: ui},
		Log:        log,
		ICEServers: call.ICEServers(cfg.Call.STUNURL, cfg.Call.TURNHost, cfg.Call.TURNUsername, cfg.Call.TURNCredential),
		OnState: func(s call.State) {
			if s == call.StateIdle {
				ui.SetCallStatus("")
				return
			}
			ui.SetCallStatus(s.String())
		},
		OnDuration: func(seconds int) {
			ui.SetCallStatus(fmt.Sprintf("active %02d:%02d", seconds/60, seconds%60))
		},
	})

	// -------------------------------------------------------------------------
	// App

	a := app.New(log, api, db, sock, engine, ui)
	a.SetShutdownFunc(ui.Stop)
	ui.SetApp(a)

	if err := a.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer sock.Disconnect()

	if err := a.Run(); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	return nil
}

// signup walks a new user through account and profile creation on the
// terminal, leaving an authenticated session behind.
func signup(ctx context.Context, api *backend.Client) (backend.User, error) {
	sc := bufio.NewScanner(os.Stdin)

	email, err := prompt(sc, "Email: ")
	if err != nil {
		return backend.User{}, err
	}

	if err := api.Signup(ctx, email); err != nil {
		return backend.User{}, fmt.Errorf("signup: %w", err)
	}

	exists, _, err := api.CheckProfile(ctx)
	if err != nil {
		return backend.User{}, fmt.Errorf("check profile: %w", err)
	}

	if !exists {
		name, err := prompt(sc, "Display name: ")
		if err != nil {
			return backend.User{}, err
		}

		uid, err := api.CreateProfile(ctx, name)
		if err != nil {
			return backend.User{}, fmt.Errorf("create profile: %w", err)
		}

		fmt.Printf("Profile created. Share your UID with friends: %s\n", uid)
	}

	user, err := api.Me(ctx)
	if err != nil {
		return backend.User{}, fmt.Errorf("me: %w", err)
	}

	return user, nil
}

func prompt(sc *bufio.Scanner, label string) (string, error) {
	fmt.Print(label)

	if !sc.Scan() {
		return "", errors.New("input closed")
	}

	value := strings.TrimSpace(sc.Text())
	if value == "" {
		return "", fmt.Errorf("%s cannot be empty", strings.TrimSuffix(strings.ToLower(label), ": "))
	}

	return value, nil
}

// uiNotifier surfaces call events in the system pane.
type uiNotifier struct {
	ui *tui.TUI
}

func (n uiNotifier) Notify(msg string) {
	n.ui.WriteText("system", msg)
}

func (n uiNotifier) Error(msg string) {
	n.ui.WriteText("system", "ERROR: "+msg)
}
