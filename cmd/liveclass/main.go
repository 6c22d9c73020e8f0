package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/madrasatech/liveclass/internal/backend"
	"github.com/madrasatech/liveclass/internal/config"
	"github.com/madrasatech/liveclass/internal/logging"
	"github.com/madrasatech/liveclass/internal/media"
	"github.com/madrasatech/liveclass/internal/room"
	"github.com/madrasatech/liveclass/internal/session"
	"github.com/madrasatech/liveclass/internal/store"
)

// Application holds all long-lived components.
type Application struct {
	config  *config.Config
	log     *zap.Logger
	store   *store.Store
	backend *backend.Client
	session *session.Session
}

type flags struct {
	roomID   string
	courseID string
	email    string
	password string
	noMedia  bool
	dev      bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var fl flags
	flag.StringVar(&fl.roomID, "room", "", "Room ID to join")
	flag.StringVar(&fl.courseID, "course", "", "Course ID whose live session to join")
	flag.StringVar(&fl.email, "email", "", "Email for first-time login")
	flag.StringVar(&fl.password, "password", "", "Password for first-time login")
	flag.BoolVar(&fl.noMedia, "no-media", false, "Join receive-only, without camera or microphone")
	flag.BoolVar(&fl.dev, "dev", false, "Human-readable console logging")
	flag.StringVar(&cfg.SignalingURL, "signaling", cfg.SignalingURL, "Signaling server websocket URL")
	flag.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "Display name shown to other participants")
	flag.Parse()

	if fl.roomID == "" && fl.courseID == "" {
		log.Fatal("Either -room or -course is required")
	}

	app, err := NewApplication(cfg, fl.dev)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	defer app.Cleanup()

	if err := app.Run(fl); err != nil {
		app.log.Fatal("liveclass exited with error", zap.Error(err))
	}
}

func NewApplication(cfg *config.Config, dev bool) (*Application, error) {
	logger, err := logging.New(dev)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %v", err)
	}

	st, err := store.NewStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %v", err)
	}

	return &Application{
		config:  cfg,
		log:     logger,
		store:   st,
		backend: backend.NewClient(cfg.BackendURL, st, logger),
	}, nil
}

func (app *Application) Cleanup() {
	if app.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.session.Close(ctx); err != nil {
			app.log.Warn("session close", zap.Error(err))
		}
	}
	if app.store != nil {
		app.store.Close()
	}
	app.log.Sync()
}

func (app *Application) Run(fl flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, err := app.authenticate(ctx, fl)
	if err != nil {
		return err
	}

	roomID := fl.roomID
	if roomID == "" {
		ls, err := app.backend.LiveSessionForCourse(ctx, fl.courseID)
		if err != nil {
			return fmt.Errorf("failed to look up live session: %w", err)
		}
		roomID = ls.RoomID
		app.log.Info("resolved course to live session",
			zap.String("courseId", fl.courseID),
			zap.String("title", ls.Title),
			zap.String("roomId", roomID))
	}

	user, err := app.backend.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch current user: %w", err)
	}

	app.session = session.New(app.config, token, app.log)
	app.session.OnError(func(err error) {
		app.log.Warn("session", zap.Error(err))
	})
	app.session.OnUpdate(app.printRoster)

	if err := app.session.Join(ctx, roomID, user.ID); err != nil {
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}

	if !fl.noMedia {
		if err := app.session.PublishMedia(ctx); err != nil {
			if errors.Is(err, media.ErrCaptureUnavailable) {
				app.log.Warn("no capture devices available, joining receive-only",
					zap.Error(err))
			} else {
				return fmt.Errorf("failed to publish media: %w", err)
			}
		}
	}

	app.log.Info("in room, press Ctrl-C to leave", zap.String("roomId", roomID))
	<-ctx.Done()

	// The signal context is done; use a fresh one for teardown.
	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return app.session.Leave(leaveCtx)
}

// authenticate returns a session token, logging in with the provided
// credentials when nothing usable is stored.
func (app *Application) authenticate(ctx context.Context, fl flags) (string, error) {
	token, err := app.backend.SessionToken(ctx)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, backend.ErrNotLoggedIn) && !errors.Is(err, backend.ErrUnauthorized) {
		return "", fmt.Errorf("failed to load session: %w", err)
	}

	if fl.email == "" || fl.password == "" {
		return "", fmt.Errorf("no stored session; log in once with -email and -password")
	}
	if err := app.backend.Login(ctx, fl.email, fl.password); err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}
	return app.backend.SessionToken(ctx)
}

// printRoster writes a one-line-per-participant view of the room.
func (app *Application) printRoster(snap session.Snapshot) {
	ids := make([]string, 0, len(snap.Participants))
	for id := range snap.Participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("\n--- room %s (%d participants) ---\n", roomLabel(snap), len(ids))
	for _, id := range ids {
		p := snap.Participants[id]
		bundle := snap.Bundles[id]
		fmt.Printf("  %-20s %s\n", displayName(p.DisplayName, id), mediaBadges(p, bundle))
	}
}

func roomLabel(snap session.Snapshot) string {
	if snap.Room == nil {
		return "?"
	}
	if snap.Room.Name != "" {
		return snap.Room.Name
	}
	return snap.Room.ID
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

func mediaBadges(p room.Participant, b room.Bundle) string {
	badges := ""
	if p.AudioEnabled {
		badges += "[mic]"
	}
	if p.VideoEnabled {
		badges += "[cam]"
	}
	if p.ScreenSharing {
		badges += "[screen]"
	}
	if b.Audio != nil && b.Audio.Muted {
		badges += "[silent]"
	}
	if badges == "" {
		badges = "[no media]"
	}
	return badges
}
