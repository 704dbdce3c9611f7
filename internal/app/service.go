package app

import (
	"context"
	"net/http"
	"time"

	"familymeal/api/internal/blob"
	"familymeal/api/internal/comments"
	"familymeal/api/internal/config"
	"familymeal/api/internal/deletion"
	"familymeal/api/internal/feed"
	"familymeal/api/internal/identity"
	"familymeal/api/internal/logging"
	"familymeal/api/internal/meals"
	"familymeal/api/internal/policy"
	"familymeal/api/internal/profiles"
	"familymeal/api/internal/search"
	"familymeal/api/internal/store"
)

// Deps are the backends chosen at startup. Only Store is required.
type Deps struct {
	Store       store.Store
	Broker      feed.Broker
	Revocations identity.Revocations
	Index       search.Index
	Uploads     *blob.Uploads
	Logger      logging.Logger
}

// Service wires the domain components together for the HTTP layer.
type Service struct {
	cfg      config.Config
	store    store.Store
	logger   logging.Logger
	verifier *identity.Verifier
	meals    *meals.Repository
	comments *comments.Service
	deletion *deletion.Orchestrator
	profiles *profiles.Service
	search   *search.Service
	uploads  *blob.Uploads
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	broker := deps.Broker
	if broker == nil {
		broker = feed.NewLocalBroker()
	}

	engine := policy.New(policy.Options{
		StrictRead:         cfg.StrictMealRead,
		LegacyParticipants: cfg.LegacyParticipantFallback,
	})
	searchSvc := search.NewService(deps.Index, deps.Store, logger)

	return &Service{
		cfg:    cfg,
		store:  deps.Store,
		logger: logger,
		verifier: identity.NewVerifier(identity.Config{
			Secret:        []byte(cfg.IDTokenSecret),
			Issuer:        cfg.IDTokenIssuer,
			Audience:      cfg.IDTokenAudience,
			AllowedEmails: cfg.AllowedEmails,
			FailClosed:    cfg.AllowlistFailClosed,
		}, deps.Store, deps.Revocations, logger),
		meals: meals.NewRepository(meals.Deps{
			Store:    deps.Store,
			Policy:   engine,
			Broker:   broker,
			Search:   searchSvc,
			Location: cfg.Location(),
			Logger:   logger,
		}),
		comments: comments.NewService(deps.Store, engine, broker, logger),
		deletion: deletion.New(deps.Store, engine, broker, searchSvc, deletion.Options{
			LeaseTTL:  cfg.DeleteJobTTL,
			BatchSize: cfg.DeleteBatchSize,
		}, logger),
		profiles: profiles.NewService(deps.Store, engine, cfg.AllowRoleReassign, logger),
		search:   searchSvc,
		uploads:  deps.Uploads,
	}
}

// Bootstrap fills an empty search index from the store.
func (s *Service) Bootstrap(ctx context.Context) error {
	n, err := s.search.ReindexAll(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info(ctx, "search index rebuilt", "meals", n)
	}
	return nil
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close waits for background index writes.
func (s *Service) Close() {
	s.search.Wait()
}

// Caller is an authenticated request's identity plus its policy view.
type Caller struct {
	Identity identity.Identity
	Actor    policy.Actor
}

// Authenticate verifies the bearer token and loads the caller's profile.
func (s *Service) Authenticate(r *http.Request) (Caller, error) {
	id, err := s.verifier.Verify(r)
	if err != nil {
		return Caller{}, err
	}
	actor, err := s.verifier.Actor(r.Context(), id)
	if err != nil {
		return Caller{}, err
	}
	return Caller{Identity: id, Actor: actor}, nil
}

// RequireRole re-reads the caller's stored role and fails Forbidden unless it
// is a valid household role. Comment writes go through it.
func (s *Service) RequireRole(ctx context.Context, caller Caller) (Caller, error) {
	role, err := s.verifier.RequireRole(ctx, caller.Identity.UID)
	if err != nil {
		return Caller{}, err
	}
	caller.Actor.Role = string(role)
	return caller, nil
}

func (s *Service) SignOut(ctx context.Context, caller Caller) error {
	return s.verifier.Revoke(ctx, caller.Identity)
}

func (s *Service) Version() map[string]any {
	return map[string]any{
		"version":   s.cfg.AppVersion,
		"checkedAt": time.Now().UTC().Format(time.RFC3339),
	}
}
