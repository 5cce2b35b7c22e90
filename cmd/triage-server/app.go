package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Guiloteman/CI-CD-Back/internal/config"
	"github.com/Guiloteman/CI-CD-Back/internal/domain/staff"
	"github.com/Guiloteman/CI-CD-Back/internal/domain/triage"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/db"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/events"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/middleware"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/outcome"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/telemetry"
	"github.com/Guiloteman/CI-CD-Back/internal/platform/websocket"
)

// memoryInsurers mirror the rows seeded by migration 003.
var memoryInsurers = []staff.Insurer{
	{Name: "OSDE"},
	{Name: "Swiss Medical"},
	{Name: "PAMI"},
	{Name: "IOMA"},
}

// app holds the long-lived dependencies of one server process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	staff       *staff.Service
	triage      *triage.Service
	hub         *websocket.Hub
	metrics     *telemetry.Metrics
	pinger      db.Pinger
	idempotency middleware.IdempotencyStore

	closers []func() error
}

func (a *app) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close resource")
		}
	}
	a.closers = nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		hub:     websocket.NewHub(logger),
		metrics: telemetry.New(logger),
	}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	levels, categories := triage.DefaultCatalog()

	var store triage.Store
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			MaxConnLifetime: time.Hour,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { pool.Close(); return nil })
		logger.Info().Int32("max_conns", cfg.DBMaxConns).Msg("connected to database")

		store = triage.NewPGStore(pool)
		a.staff = staff.NewService(
			staff.NewPatientRepoPG(pool),
			staff.NewClinicianRepoPG(pool),
			staff.NewInsurerRepoPG(pool),
			staff.NewPersonLookupPG(pool),
			logger,
		)
		a.pinger = pool
	case config.DriverMemory:
		mem := staff.NewMemory(memoryInsurers...)
		ms := triage.NewMemoryStore(mem.Patients(), mem.Clinicians(), levels, categories)
		store = ms
		a.staff = staff.NewService(mem.Patients(), mem.Clinicians(), mem.Insurers(), mem, logger)
		a.pinger = ms
		logger.Warn().Msg("using in-memory storage; data is lost on restart")
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	publisher, err := buildPublisher(ctx, a)
	if err != nil {
		return nil, err
	}
	if a.idempotency, err = buildIdempotencyStore(ctx, a); err != nil {
		return nil, err
	}

	a.triage = triage.NewService(store, logger,
		triage.WithPublisher(events.Fanout{publisher, a.metrics}),
		triage.WithPolicy(triage.Policy{
			RequireClaimingDoctor:   cfg.RequireClaimingDoctor,
			OneActiveClaimPerDoctor: cfg.OneActiveClaimPerDoctor,
		}),
	)
	registerQueueGauges(a.metrics, a.triage)
	built = true
	return a, nil
}

// buildPublisher routes queue events through NATS when configured so every
// instance's websocket hub sees them. Without NATS the hub is fed directly.
func buildPublisher(ctx context.Context, a *app) (events.Publisher, error) {
	if a.cfg.NATSURL == "" {
		return a.hub, nil
	}
	bus, err := events.NewNATS(events.NATSConfig{
		URL:            a.cfg.NATSURL,
		Name:           "triage-server",
		SubjectPrefix:  a.cfg.NATSSubjectPrefix,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(bus.Close)

	unsubscribe, err := bus.Relay(ctx, a.hub)
	if err != nil {
		return nil, err
	}
	a.onClose(unsubscribe)
	a.logger.Info().Str("prefix", a.cfg.NATSSubjectPrefix).Msg("publishing queue events to nats")
	return bus, nil
}

func registerQueueGauges(m *telemetry.Metrics, svc *triage.Service) {
	m.RegisterGauge("triage_queue_pending", "Admissions waiting to be claimed.", func(ctx context.Context) (float64, error) {
		q, err := svc.Queue(ctx)
		return float64(len(q)), err
	})
	m.RegisterGauge("triage_queue_overdue", "Pending admissions past their level's maximum wait.", func(ctx context.Context) (float64, error) {
		q, err := svc.Overdue(ctx)
		return float64(len(q)), err
	})
}

func buildIdempotencyStore(ctx context.Context, a *app) (middleware.IdempotencyStore, error) {
	if a.cfg.RedisURL == "" {
		return middleware.NewMemoryIdempotencyStore(), nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	a.onClose(client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return middleware.NewRedisIdempotencyStore(client, "triage:idem:"), nil
}

// seed registers a small demo roster. Re-running it is harmless: people that
// already exist are skipped.
func seed(ctx context.Context, svc *staff.Service, logger zerolog.Logger) error {
	person := func(nid, last, first string) staff.PersonInput {
		return staff.PersonInput{NationalID: nid, LastName: last, FirstName: first}
	}

	clinicians := []struct {
		role staff.Role
		req  staff.RegisterClinicianRequest
	}{
		{staff.RoleNurse, staff.RegisterClinicianRequest{PersonInput: person("27111111111", "Gomez", "Lucia"), License: "ENF-1001"}},
		{staff.RoleNurse, staff.RegisterClinicianRequest{PersonInput: person("27222222222", "Ruiz", "Marta"), License: "ENF-1002"}},
		{staff.RoleDoctor, staff.RegisterClinicianRequest{PersonInput: person("20333333333", "Fernandez", "Pablo"), License: "MN-2001"}},
		{staff.RoleDoctor, staff.RegisterClinicianRequest{PersonInput: person("20444444444", "Sosa", "Carla"), License: "MN-2002"}},
	}
	for _, c := range clinicians {
		if _, err := svc.RegisterClinician(ctx, c.role, c.req); err != nil && !errors.Is(err, outcome.ErrConflict) {
			return fmt.Errorf("seed %s %s: %w", c.role, c.req.License, err)
		}
	}

	patients := []staff.RegisterPatientRequest{
		{PersonInput: person("30555555555", "Perez", "Juan"), Street: "Av. Corrientes", StreetNumber: 1234, Locality: "CABA"},
		{PersonInput: person("30666666666", "Diaz", "Ana"), Street: "Calle 7", StreetNumber: 880, Locality: "La Plata"},
		{PersonInput: person("30777777777", "Lopez", "Hugo"), Street: "San Martin", StreetNumber: 45, Locality: "Rosario"},
	}
	for _, p := range patients {
		if _, err := svc.RegisterPatient(ctx, p); err != nil && !errors.Is(err, outcome.ErrConflict) {
			return fmt.Errorf("seed patient %s: %w", p.NationalID, err)
		}
	}

	logger.Info().Int("clinicians", len(clinicians)).Int("patients", len(patients)).Msg("demo roster seeded")
	return nil
}
