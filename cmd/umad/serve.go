package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"umagate.org/internal/auth"
	"umagate.org/internal/claims"
	"umagate.org/internal/config"
	"umagate.org/internal/httpapi"
	"umagate.org/internal/migrate"
	"umagate.org/internal/obs"
	"umagate.org/internal/permission"
	"umagate.org/internal/policy"
	"umagate.org/internal/store/pg"
	"umagate.org/internal/token"
	"umagate.org/internal/uma"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v, "")
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		obs.Init()
		obs.InitBuildInfo(version, commit)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.close()

		clients, err := newClientService(ctx, cfg, b.clients)
		if err != nil {
			return err
		}
		svc, err := newPermissionService(ctx, cfg, b)
		if err != nil {
			return err
		}

		probe := httpapi.ReadyProbe{DB: b.db}
		api := httpapi.New(svc, clients, httpapi.Options{
			BaseURL:      cfg.Issuer,
			Version:      version,
			Ready:        probe,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
			RateBurst:    cfg.HTTP.RateBurst,
			RatePerSec:   cfg.HTTP.RatePerSec,
		})
		server := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		errCh := make(chan error, 2)
		go func() {
			log.Info().Str("addr", server.Addr).Str("version", version).Msg("http.listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http: %w", err)
			}
		}()

		var grpcServer *grpc.Server
		if cfg.HTTP.GRPCAddr != "" {
			lis, err := net.Listen("tcp", cfg.HTTP.GRPCAddr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			grpcServer = grpc.NewServer()
			httpapi.NewHealthServer(probe).Register(grpcServer)
			go func() {
				log.Info().Str("addr", cfg.HTTP.GRPCAddr).Msg("grpc.listening")
				if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
					errCh <- fmt.Errorf("grpc: %w", err)
				}
			}()
		}

		sweepCtx, stopSweep := context.WithCancel(context.Background())
		defer stopSweep()
		go uma.NewSweeper(cfg.Sweeper.Interval, b.purgers()).Run(sweepCtx)

		select {
		case <-ctx.Done():
		case err := <-errCh:
			log.Error().Err(err).Msg("server.failed")
			stop()
		}
		log.Info().Msg("server.shutting_down")
		stopSweep()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		log.Info().Msg("server.stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides http.addr)")
	_ = v.BindPFlag("http.addr", serveCmd.Flags().Lookup("addr"))
	serveCmd.Flags().String("grpc-addr", "", "gRPC health listen address (overrides http.grpc_addr)")
	_ = v.BindPFlag("http.grpc_addr", serveCmd.Flags().Lookup("grpc-addr"))
}

// backend is the storage the server runs on: PostgreSQL when a DSN is
// configured, the in-memory store otherwise.
type backend struct {
	db        *sql.DB
	tickets   uma.TicketRepository
	rpts      uma.RptRepository
	sessions  uma.ClaimsSessionRepository
	pcts      uma.PCTRepository
	resources uma.ResourceRepository
	clients   auth.ClientStore
	policies  *policy.Registry
	close     func()
}

func (b *backend) purgers() map[string]uma.Purger {
	return map[string]uma.Purger{
		"tickets":  b.tickets,
		"rpts":     b.rpts,
		"sessions": b.sessions,
		"pcts":     b.pcts,
	}
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	var doc *policy.Document
	if cfg.Policy.File != "" {
		d, err := policy.LoadFile(cfg.Policy.File)
		if err != nil {
			return nil, fmt.Errorf("loading policies: %w", err)
		}
		doc = d
	}

	if cfg.Database.DSN == "" {
		log.Warn().Msg("storage.memory: state is lost on restart")
		mem := uma.NewMemoryStore()
		reg := policy.NewRegistry()
		if doc != nil {
			for _, r := range doc.UMAResources() {
				mem.PutResource(r)
			}
			var err error
			if reg, err = doc.Registry(); err != nil {
				return nil, fmt.Errorf("building policies: %w", err)
			}
		}
		return &backend{
			tickets:   mem.Tickets(),
			rpts:      mem.RPTs(),
			sessions:  mem.Sessions(),
			pcts:      mem.PCTs(),
			resources: mem.Resources(),
			clients:   auth.NewMemoryClientStore(),
			policies:  reg,
			close:     func() {},
		}, nil
	}

	store, err := pg.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := checkSchema(ctx, store.DB(), cfg.Database); err != nil {
		_ = store.Close()
		return nil, err
	}
	if doc != nil {
		if err := store.Policies().Import(ctx, doc); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("importing policies: %w", err)
		}
	}
	reg, err := store.Policies().Registry(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("loading policies: %w", err)
	}
	return &backend{
		db:        store.DB(),
		tickets:   store.Tickets(),
		rpts:      store.RPTs(),
		sessions:  store.Sessions(),
		pcts:      store.PCTs(),
		resources: store.Resources(),
		clients:   auth.NewPGClientStore(store.DB()),
		policies:  reg,
		close:     func() { _ = store.Close() },
	}, nil
}

func newClientService(ctx context.Context, cfg *config.Config, store auth.ClientStore) (*auth.Service, error) {
	opts := []auth.ServiceOption{
		auth.WithIssuer(cfg.Issuer),
		auth.WithPATTTL(cfg.Protection.PATTTL),
		auth.WithKeyID(cfg.JOSE.KeyID),
	}
	if key := cfg.PATKey(); strings.HasPrefix(key, "-----BEGIN") {
		opts = append(opts, auth.WithRS256Key(key))
	} else {
		opts = append(opts, auth.WithHMACSecret(key))
	}
	svc, err := auth.NewService(store, opts...)
	if err != nil {
		return nil, err
	}
	for _, c := range cfg.Clients {
		client := &auth.Client{
			ID:                 c.ID,
			Name:               c.Name,
			Kind:               auth.ClientKind(c.Kind),
			SecretHash:         c.SecretHash,
			ClaimsRedirectURIs: c.ClaimsRedirectURIs,
		}
		err := svc.RegisterClient(ctx, client, c.Secret)
		switch {
		case errors.Is(err, auth.ErrAlreadyExists):
			log.Debug().Str("client", c.ID).Msg("client.bootstrap_exists")
		case err != nil:
			return nil, fmt.Errorf("bootstrap client %s: %w", c.ID, err)
		default:
			log.Info().Str("client", c.ID).Str("kind", c.Kind).Msg("client.bootstrapped")
		}
	}
	return svc, nil
}

func newPermissionService(ctx context.Context, cfg *config.Config, b *backend) (*permission.Service, error) {
	codec, err := token.NewCodec(cfg.CodecConfig())
	if err != nil {
		return nil, fmt.Errorf("rpt codec: %w", err)
	}
	issuer, err := token.NewIssuer(codec, b.rpts,
		token.WithFormat(uma.TokenFormat(cfg.RPT.Format)),
		token.WithTTL(cfg.RPT.TTL),
		token.WithIssuerName(cfg.Issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("rpt issuer: %w", err)
	}

	var verifiers []claims.Verifier
	ct := cfg.ClaimToken
	if ct.JWTSecret != "" {
		verifiers = append(verifiers, claims.NewJWTVerifier([]byte(ct.JWTSecret), ct.JWTIssuer))
	}
	if ct.OIDCIssuer != "" {
		oidcVerifier, err := claims.NewOIDCVerifier(ctx, ct.OIDCIssuer, ct.OIDCClientID, ct.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("oidc verifier: %w", err)
		}
		verifiers = append(verifiers, oidcVerifier)
	}

	var pcts *token.PCTService
	if cfg.PCT.Enabled {
		pcts = token.NewPCTService(b.pcts, cfg.PCT.TTL)
	}

	return permission.NewService(permission.Deps{
		Tickets: uma.NewTicketStore(b.tickets,
			uma.WithTicketTTL(cfg.Ticket.TTL),
			uma.WithMaxIDAttempts(cfg.Ticket.MaxIDAttempts),
		),
		Resources: b.resources,
		Evaluator: policy.NewEvaluator(b.policies, cfg.Policy.Timeout),
		Machine: claims.NewMachine(b.sessions, b.policies,
			strings.TrimSuffix(cfg.Issuer, "/")+"/claims_gathering",
			claims.WithSessionTTL(cfg.Session.TTL),
		),
		Issuer:       issuer,
		Introspector: token.NewIntrospector(codec, b.rpts, cfg.RPT.TrackLastUsed),
		PCTs:         pcts,
		Verifiers:    claims.NewVerifiers(verifiers...),
		Authorizer:   permission.ClientAuthorizer{RestrictToClient: cfg.Protection.RestrictResourceToClient},
	})
}

// checkSchema applies or reports pending migrations.
func checkSchema(ctx context.Context, db *sql.DB, cfg config.DatabaseConfig) error {
	m := migrate.NewManager(db, pg.Migrations(), migrate.WithMigrationsTable(cfg.MigrationsTable))
	if cfg.AutoMigrate {
		applied, err := m.Up(ctx)
		if err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("migration applied")
		}
		return nil
	}
	pending, err := m.Pending(ctx)
	if err != nil {
		return fmt.Errorf("check migrations: %w", err)
	}
	if len(pending) > 0 {
		return fmt.Errorf("database schema is behind by %d migrations (next %s); run umad migrate up", len(pending), pending[0])
	}
	return nil
}
