// Package app wires authentication, permission checks, the counter store,
// and the broadcast hub into the HTTP mutation gateway.
package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"pulse/api/internal/auth"
	"pulse/api/internal/authpw"
	"pulse/api/internal/config"
	"pulse/api/internal/content"
	"pulse/api/internal/counter"
	"pulse/api/internal/rbac"
	"pulse/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// SessionStore persists refresh tokens between access-token renewals.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, viewer authpw.Viewer, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (authpw.Viewer, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// Publisher fans a resolved interaction out to live subscribers. Delivery is
// best effort and never affects the mutation result.
type Publisher interface {
	Publish(update content.StatsUpdate)
}

type Service struct {
	cfg       config.Config
	counters  counter.Store
	sessions  SessionStore
	accounts  *authpw.Service
	publisher Publisher
}

func New(cfg config.Config, counters counter.Store, sessions SessionStore, accounts *authpw.Service, publisher Publisher) *Service {
	return &Service{
		cfg:       cfg,
		counters:  counters,
		sessions:  sessions,
		accounts:  accounts,
		publisher: publisher,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if err := s.counters.Ping(ctx); err != nil {
		return err
	}
	if s.sessions != nil {
		return s.sessions.Ping(ctx)
	}
	return nil
}

// SignUp creates an account and signs the new viewer straight in.
func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	viewer, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, viewer)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	viewer, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, viewer)
}

// Refresh rotates the refresh token and issues a fresh access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	viewer, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, viewer)
}

func (s *Service) issueSession(ctx context.Context, viewer authpw.Viewer) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		ViewerID:  viewer.ID,
		Name:      viewer.Name,
		Role:      viewer.Role,
		TokenID:   jti,
		ExpiresAt: expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), viewer, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       viewer.ID,
		UserName:     viewer.Name,
		Role:         viewer.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.ViewerID,
		UserName:  claims.Name,
		Role:      claims.Role,
		JTI:       claims.TokenID,
		ExpiresAt: time.Unix(claims.ExpiresAt, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Interact applies one action against the authoritative counter store and
// broadcasts the resolved state. The caller gets the authoritative stats in
// the response; broadcast delivery is best effort and never fails the
// mutation.
func (s *Service) Interact(ctx context.Context, session Session, ref content.Ref, action content.Action) (content.Stats, content.Interactions, error) {
	if session.UserID == "" {
		return nil, nil, domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "Sign in to interact with content", nil)
	}
	if !s.Can(session.Role, rbac.ActionInteract) {
		return nil, nil, domainError(http.StatusForbidden, "FORBIDDEN", "Your role does not allow interactions", nil)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	stats, interactions, err := s.counters.ApplyInteraction(storeCtx, ref, session.UserID, action)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, domainError(http.StatusGatewayTimeout, "TIMEOUT", "Counter store timed out", nil)
		}
		return nil, nil, domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Counter store unavailable", nil)
	}

	if s.publisher != nil {
		s.publish(content.StatsUpdate{
			Ref:          ref,
			Stats:        stats.Clone(),
			Interactions: interactions.Clone(),
			ActorID:      session.UserID,
			Timestamp:    time.Now(),
		})
	}

	return stats, interactions, nil
}

// publish hands the update to the hub before the mutation response returns,
// so broadcasts for one ref leave in store-write order. The hub itself never
// blocks (buffered per-connection sends, drop-on-full), and a publisher
// failure is logged rather than surfaced to the mutation caller.
func (s *Service) publish(update content.StatsUpdate) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("broadcast publish failed for %s: %v", update.Ref, p)
		}
	}()
	s.publisher.Publish(update)
}

// ContentStats reads the authoritative counters for a ref, plus the caller's
// own interaction state when a viewer is known.
func (s *Service) ContentStats(ctx context.Context, ref content.Ref, viewerID string) (content.Stats, content.Interactions, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	stats, err := s.counters.ReadStats(storeCtx, ref)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, domainError(http.StatusGatewayTimeout, "TIMEOUT", "Counter store timed out", nil)
		}
		return nil, nil, domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Counter store unavailable", nil)
	}

	var interactions content.Interactions
	if viewerID != "" {
		interactions, err = s.counters.ReadInteractions(storeCtx, ref, viewerID)
		if err != nil {
			return nil, nil, domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Counter store unavailable", nil)
		}
	}
	return stats, interactions, nil
}
