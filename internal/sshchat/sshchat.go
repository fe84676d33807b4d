package sshchat

import (
	"context"
	"log/slog"
	"time"

	"github.com/InsulaLabs/synap/broker"
	"github.com/InsulaLabs/synap/client"
	"github.com/InsulaLabs/synap/config"
	"github.com/InsulaLabs/synap/internal/chat"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/activeterm"
	"github.com/charmbracelet/wish/bubbletea"
	"github.com/charmbracelet/wish/logging"
	"github.com/pkg/errors"
	gossh "golang.org/x/crypto/ssh"
)

/*
	SSH front end for the chat client: each session gets its own chat
	model talking to the broker through the shared HTTP client, with the
	SSH username as the subscriber identity. The broker's single
	ownership rule is the only gate, so any key (or none at all) gets a
	session as long as the username is a valid identity.
*/

type Server struct {
	logger *slog.Logger
	cfg    config.SSH
	client *client.Client
	srv    *ssh.Server
}

func New(logger *slog.Logger, cfg config.SSH, cl *client.Client) (*Server, error) {
	s := &Server{
		logger: logger.WithGroup("sshchat"),
		cfg:    cfg,
		client: cl,
	}

	srv, err := wish.NewServer(
		wish.WithAddress(cfg.Binding),
		wish.WithHostKeyPath(cfg.HostKeyPath),
		wish.WithPublicKeyAuth(func(ctx ssh.Context, key ssh.PublicKey) bool {
			return s.admitWithKey(ctx, key)
		}),
		wish.WithKeyboardInteractiveAuth(func(ctx ssh.Context, challenger gossh.KeyboardInteractiveChallenge) bool {
			return s.admitKeyless(ctx)
		}),

		ssh.AllocatePty(),

		wish.WithMiddleware(
			bubbletea.Middleware(func(sess ssh.Session) (tea.Model, []tea.ProgramOption) {
				s.logger.Info("New session", "remote_addr", sess.RemoteAddr(), "identity", sess.User())
				return s.newSession(sess)
			}),
			activeterm.Middleware(),
			logging.Middleware(),
		),
	)
	if err != nil {
		s.logger.Error("Could not build SSH server", "error", err)
		return nil, err
	}

	s.srv = srv
	return s, nil
}

// admitWithKey accepts any offered key and records its fingerprint. The
// username must parse as a subscriber identity since it becomes one.
func (s *Server) admitWithKey(ctx ssh.Context, key ssh.PublicKey) bool {
	if err := broker.ValidateIdentity(ctx.User()); err != nil {
		s.logger.Warn("Rejected SSH user", "user", ctx.User(), "error", err)
		return false
	}
	s.logger.Info("SSH user admitted",
		"user", ctx.User(),
		"fingerprint", gossh.FingerprintSHA256(key),
	)
	return true
}

// admitKeyless lets clients without a usable key in, without
// challenging them for anything.
func (s *Server) admitKeyless(ctx ssh.Context) bool {
	if err := broker.ValidateIdentity(ctx.User()); err != nil {
		s.logger.Warn("Rejected SSH user", "user", ctx.User(), "error", err)
		return false
	}
	s.logger.Info("SSH user admitted without a key", "user", ctx.User())
	return true
}

func (s *Server) newSession(sess ssh.Session) (tea.Model, []tea.ProgramOption) {
	model := chat.New(chat.Config{
		Client:   s.client,
		Identity: sess.User(),
		Logger:   s.logger.WithGroup(sess.User()),

		// The session context dies with the connection, which tears
		// down the chat stream even when the program never sees a
		// quit key.
		Parent: sess.Context(),
	})

	return model, []tea.ProgramOption{
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	}
}

// Run serves SSH sessions until ctx is done, then drains the server.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down SSH chat server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			s.logger.Error("SSH server shutdown failed", "error", err)
		}
	}()

	s.logger.Info("Starting SSH chat server", "address", s.cfg.Binding)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
		s.logger.Error("Could not start server", "error", err)
		return err
	}

	s.logger.Info("SSH chat server stopped")
	return nil
}
