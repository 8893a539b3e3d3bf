package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/quicrefill/api/internal/di"
	"github.com/quicrefill/api/internal/handlers"
	"github.com/quicrefill/api/internal/payments"
	"github.com/quicrefill/api/internal/platform/auth"
	"github.com/quicrefill/api/internal/platform/cache"
	"github.com/quicrefill/api/internal/platform/config"
	pfirestore "github.com/quicrefill/api/internal/platform/firestore"
	"github.com/quicrefill/api/internal/platform/geo"
	"github.com/quicrefill/api/internal/platform/idempotency"
	"github.com/quicrefill/api/internal/platform/jobs"
	"github.com/quicrefill/api/internal/platform/observability"
	"github.com/quicrefill/api/internal/platform/requestctx"
	"github.com/quicrefill/api/internal/platform/secrets"
	"github.com/quicrefill/api/internal/repositories"
	firestoreRepo "github.com/quicrefill/api/internal/repositories/firestore"
	"github.com/quicrefill/api/internal/services"
)

const (
	orderCreateLimit  = 10
	orderCreateWindow = time.Minute
	sweepTimeout      = time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	eventLogger := observability.EventLogger(logger.Named("services"))

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("failed to initialise redis client", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", zap.Error(err))
		}
	}()
	serviceCache := cache.NewJSONCache(redisClient, "services:", cfg.Redis.ServiceCacheTTL)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	registry, err := firestoreRepo.NewRegistry(firestoreProvider,
		firestoreRepo.WithWalletCurrency(cfg.Payments.Currency),
		firestoreRepo.WithServiceDecorator(func(next repositories.ServiceRepository) repositories.ServiceRepository {
			return repositories.NewCachedServiceRepository(next, serviceCache, repositories.CacheLogger(eventLogger))
		}),
		firestoreRepo.WithHealthProbes(redisProbe(redisClient)),
	)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	publisher, closePubSub, err := newNotificationPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise notification publisher", zap.Error(err))
	}
	defer closePubSub()
	if publisher == nil {
		logger.Warn("notifications: topic not configured; order events will be dropped")
	}

	routes, err := newRouteResolver(cfg)
	if err != nil {
		logger.Fatal("failed to initialise distance matrix client", zap.Error(err))
	}
	if routes == nil {
		logger.Info("maps: api key not configured; distances use haversine estimates")
	}

	gateway, err := newPaymentManager(cfg, payments.Logger(eventLogger))
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}

	deps := di.Dependencies{
		Gateway: gateway,
		Routes:  routes,
		Build:   buildInfo,
		Clock:   time.Now,
		Logger:  eventLogger,
	}
	if publisher != nil {
		deps.Publisher = publisher
	}
	container, err := di.NewContainer(ctx, cfg, registry, deps)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()
	svc := container.Services

	authenticator := newAuthenticator(ctx, logger, cfg)

	idempotencyMiddleware := idempotency.Middleware(
		idempotency.NewRedisStore(redisClient),
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	var sweepTicker *time.Ticker
	if cfg.Reconcile.Interval > 0 {
		sweepTicker = time.NewTicker(cfg.Reconcile.Interval)
		sweepWG.Add(1)
		go func() {
			defer sweepWG.Done()
			sweepLogger := logger.Named("reconcile")
			for {
				select {
				case <-sweepTicker.C:
					runCtx, cancel := context.WithTimeout(requestctx.WithLogger(sweepCtx, sweepLogger), sweepTimeout)
					report, err := svc.Reconciler.Sweep(runCtx)
					cancel()
					if err != nil {
						sweepLogger.Error("payment sweep error", zap.Error(err))
						continue
					}
					if report.Scanned > 0 {
						sweepLogger.Info("payment sweep finished",
							zap.Int("scanned", report.Scanned),
							zap.Int("settled", report.Settled),
							zap.Int("failed", report.Failed),
							zap.Int("pending", report.Pending),
						)
					}
				case <-sweepCtx.Done():
					return
				}
			}
		}()
	}

	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders,
		handlers.WithOrderReviews(svc.Reviews),
		handlers.WithOrderCreateMiddlewares(idempotencyMiddleware),
		handlers.WithOrderCreateRateLimit(orderCreateLimit, orderCreateWindow, time.Now),
	)
	providerHandlers := handlers.NewProviderHandlers(authenticator, svc.Orders, svc.Revenue)
	serviceHandlers := handlers.NewServiceHandlers(authenticator, svc.Availability, svc.Pricing)
	walletHandlers := handlers.NewWalletHandlers(authenticator, svc.Wallets)
	adminHandlers := handlers.NewAdminHandlers(authenticator, svc.Listings)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(svc.Orders, payments.ProviderBillGateway)
	internalHandlers := handlers.NewInternalHandlers(svc.Reconciler)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithRequestTimeout(cfg.Server.RequestTimeout))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithServiceRoutes(serviceHandlers.Routes))
	opts = append(opts, handlers.WithOrderRoutes(orderHandlers.Routes))
	opts = append(opts, handlers.WithProviderRoutes(providerHandlers.Routes))
	opts = append(opts, handlers.WithWalletRoutes(walletHandlers.Routes))
	opts = append(opts, handlers.WithAdminRoutes(adminHandlers.Routes))
	opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	if oidcMiddleware := buildOIDCMiddleware(logger, cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	} else {
		logger.Warn("auth: OIDC not configured; internal routes are unauthenticated")
	}
	if hmacMiddleware := buildHMACMiddleware(cfg, redisClient); hmacMiddleware != nil {
		opts = append(opts, handlers.WithWebhookMiddlewares(hmacMiddleware))
	} else {
		logger.Warn("auth: webhook secret not configured; payment webhooks are unauthenticated")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("quicrefill api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if sweepTicker != nil {
		sweepTicker.Stop()
	}
	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["QR_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		Environment: environment,
		StartedAt:   started,
	}
}

func redisProbe(client *redis.Client) repositories.DependencyProbe {
	return repositories.DependencyProbe{
		Name:    "redis",
		Timeout: 2 * time.Second,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

// newNotificationPublisher returns a nil publisher when no topic is configured. The returned close
// function is always safe to call.
func newNotificationPublisher(ctx context.Context, cfg config.Config) (services.NotificationPublisher, func(), error) {
	topicName := strings.TrimSpace(cfg.Notifications.Topic)
	if topicName == "" {
		return nil, func() {}, nil
	}
	projectID := strings.TrimSpace(cfg.Notifications.ProjectID)
	if projectID == "" {
		projectID = traceProjectID(cfg)
	}
	var clientOpts []option.ClientOption
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(file))
	}
	client, err := pubsub.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, func() {}, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	publisher, err := jobs.NewPubSubNotificationPublisher(topic)
	if err != nil {
		topic.Stop()
		_ = client.Close()
		return nil, func() {}, err
	}
	return publisher, func() {
		topic.Stop()
		_ = client.Close()
	}, nil
}

func newRouteResolver(cfg config.Config) (services.RouteResolver, error) {
	if strings.TrimSpace(cfg.Maps.APIKey) == "" {
		return nil, nil
	}
	client, err := geo.NewDistanceMatrixClient(cfg.Maps.APIKey)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newPaymentManager(cfg config.Config, logger payments.Logger) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider, 2)
	if strings.TrimSpace(cfg.Payments.StripeAPIKey) != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.Payments.StripeAPIKey,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderStripe] = stripeProvider
	}
	if strings.TrimSpace(cfg.Payments.BillGatewayURL) != "" {
		billProvider, err := payments.NewBillGatewayProvider(payments.BillGatewayConfig{
			BaseURL: cfg.Payments.BillGatewayURL,
			APIKey:  cfg.Payments.BillGatewayAPIKey,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderBillGateway] = billProvider
	}
	if len(providers) == 0 {
		return nil, nil
	}
	return payments.NewManager(providers, payments.WithDefaultProvider(defaultProviderKey(providers)))
}

func defaultProviderKey(providers map[string]payments.Provider) string {
	if _, ok := providers[payments.ProviderStripe]; ok {
		return payments.ProviderStripe
	}
	return payments.ProviderBillGateway
}

func newAuthenticator(ctx context.Context, logger *zap.Logger, cfg config.Config) *auth.Authenticator {
	if strings.TrimSpace(cfg.Firebase.ProjectID) == "" {
		logger.Warn("auth: firebase project not configured; authenticated routes will reject requests")
		return nil
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	return auth.NewAuthenticator(verifier)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	jwks := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger.Named("oidc")))
	validator := auth.NewOIDCValidator(jwks)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func buildHMACMiddleware(cfg config.Config, client redis.UniversalClient) func(http.Handler) http.Handler {
	partnerSecrets := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		partnerSecrets[strings.ToLower(key)] = value
	}
	if _, ok := partnerSecrets[payments.ProviderBillGateway]; !ok {
		return nil
	}

	hmacCfg := cfg.Security.HMAC
	hmacCfg.Secrets = partnerSecrets
	validator := auth.NewHMACValidator(hmacCfg, auth.NewRedisNonceStore(client))
	return validator.RequireHMAC(payments.ProviderBillGateway)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("QR_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := parseKeyValueList(lookup("QR_SECRET_PROJECT_IDS"))
	defaultProject := lookup("QR_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("QR_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("QR_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("QR_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		normalized := make(map[string]string, len(projectMap))
		for label, project := range projectMap {
			normalized[strings.ToLower(label)] = project
		}
		opts = append(opts, secrets.WithProjectMap(normalized))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{"Payments.StripeAPIKey"}

	hmacRaw := ""
	if env != nil {
		if strings.TrimSpace(env["QR_PAYMENTS_BILL_GATEWAY_URL"]) != "" {
			required = append(required, "Payments.BillGatewayAPIKey")
		}
		if strings.TrimSpace(env["QR_MAPS_API_KEY"]) != "" {
			required = append(required, "Maps.APIKey")
		}
		hmacRaw = strings.TrimSpace(env["QR_SECURITY_HMAC_SECRETS"])
	}
	for _, key := range parseHMACSecretKeys(hmacRaw) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}

	return uniqueStrings(required)
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
