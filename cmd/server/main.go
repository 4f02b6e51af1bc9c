package main

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"

	echoapi "github.com/identra-io/identra/api/echo"
	"github.com/identra-io/identra/authn"
	"github.com/identra-io/identra/config"
	"github.com/identra-io/identra/domain"
	"github.com/identra-io/identra/federation"
	"github.com/identra-io/identra/internal/metrics"
	"github.com/identra-io/identra/internal/oidcflow"
	"github.com/identra-io/identra/jwks"
	"github.com/identra-io/identra/keycache"
	"github.com/identra-io/identra/log"
	"github.com/identra-io/identra/mongodb"
	"github.com/identra-io/identra/registry"
	"github.com/identra-io/identra/token"
	"github.com/identra-io/identra/tracing"
	"github.com/identra-io/identra/upstream"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log.Setup(cfg.LogLevel, cfg.LogPretty)

	zlog.Info().
		Str("http_port", cfg.HTTPPort).
		Str("issuer", cfg.Issuer).
		Strs("realms", cfg.RealmList()).
		Msg("starting identra server")

	ctx := context.Background()

	tp, err := tracing.InitTracerProvider(ctx, cfg.OtelServiceName, cfg.OtelExporterEndpoint)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	db, disconnect, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = disconnect(shutdownCtx)
	}()

	accountStore, err := mongodb.NewAccountStore(ctx, db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize account store")
	}
	subjectStore := mongodb.NewSubjectStore(db)
	clientStore, err := mongodb.NewClientStore(ctx, db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize client store")
	}
	providerStore, err := mongodb.NewProviderStore(ctx, db)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to initialize provider store")
	}

	providers, err := registry.Load(ctx, providerStore, cfg.RealmList())
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load provider registry")
	}

	serverKeys, err := jwks.New(cfg.KeyRotationPeriod())
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to generate signing keys")
	}
	defer serverKeys.Stop()

	keyCache := keycache.New()
	defer keyCache.Stop()

	minter := token.NewMinter(clientStore, keyCache, serverKeys, cfg.Issuer, cfg.DefaultSigningAlg)

	// Federation statement cache: shared via redis when configured,
	// in-process otherwise.
	var statementCache federation.StatementCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		statementCache = federation.NewRedisStatementCache(redisClient, "identra")
	} else {
		memCache := federation.NewMemoryStatementCache()
		defer memCache.Stop()
		statementCache = memCache
	}

	federationKey, err := loadFederationKey(cfg.FederationKeyFile)
	if err != nil {
		zlog.Fatal().Err(err).Str("file", cfg.FederationKeyFile).Msg("failed to load federation key")
	}
	if federationKey == nil {
		zlog.Warn().Msg("no federation signing key configured, request objects disabled")
	}

	resolver := federation.NewResolver(statementCache, nil, cfg.UpstreamTimeout())
	relyingParty := federation.NewRelyingParty(resolver, federationKey, cfg.UpstreamTimeout())

	oidcAuthenticator := upstream.NewOIDCAuthenticator(cfg.UpstreamTimeout())
	defer oidcAuthenticator.Stop()

	flows := oidcflow.NewFlowStore()
	defer flows.Stop()

	dispatcher := authn.NewDispatcher(providers, flows, authn.NewResolver(accountStore, subjectStore))
	dispatcher.RegisterDirect(domain.AuthorityInternal, authn.NewPasswordAuthenticator(accountStore))
	dispatcher.RegisterRedirect(domain.AuthorityOIDC, oidcAuthenticator)
	dispatcher.RegisterRedirect(domain.AuthorityFederation, relyingParty)

	var metadata *federation.MetadataPublisher
	if cfg.FederationEntityID != "" {
		metadata = federation.NewMetadataPublisher(cfg.FederationEntityID, cfg.Issuer, serverKeys)
	}

	promRegistry := prometheus.NewRegistry()
	metrics.Register(promRegistry)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	api := echoapi.NewServerAPI(cfg.Issuer, dispatcher, minter, serverKeys, clientStore, metadata)
	api.RegisterRoutes(e)

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("http server shutdown failed")
	}
}

// loadFederationKey reads a PEM-encoded RSA or EC private key. An empty
// path means no key is configured.
func loadFederationKey(path string) (*jose.JSONWebKey, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	jwk := &jose.JSONWebKey{Key: key, Use: "sig"}
	switch key.(type) {
	case *rsa.PrivateKey:
		jwk.Algorithm = "RS256"
	case *ecdsa.PrivateKey:
		jwk.Algorithm = "ES256"
	default:
		return nil, fmt.Errorf("unsupported federation key type %T", key)
	}

	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err == nil {
		jwk.KeyID = fmt.Sprintf("%x", thumb[:8])
	}
	return jwk, nil
}
