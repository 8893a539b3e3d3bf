package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultRequestTimeout      = 30 * time.Second
	defaultRedisAddr           = "localhost:6379"
	defaultServiceCacheTTL     = 60 * time.Second
	defaultCurrency            = "NGN"
	defaultServiceCharge       = "700"
	defaultVATRate             = "0.075"
	defaultPetroleumTaxRate    = "0.05"
	defaultNotificationsTopic  = "order-events"
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultReconcileInterval   = time.Minute
	defaultReconcileStaleAfter = 2 * time.Minute
	defaultReconcileBatchSize  = 50
	defaultReconcileAttempts   = 5
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	Redis         RedisConfig
	Maps          MapsConfig
	Payments      PaymentsConfig
	Notifications NotificationsConfig
	Pricing       PricingConfig
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
	Reconcile     ReconcileConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// RedisConfig configures the shared cache connection.
type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	ServiceCacheTTL time.Duration
}

// MapsConfig enables road distances through the Distance Matrix API. Empty key means haversine only.
type MapsConfig struct {
	APIKey string
}

// PaymentsConfig collects gateway credentials.
type PaymentsConfig struct {
	Currency          string
	StripeAPIKey      string
	BillGatewayURL    string
	BillGatewayAPIKey string
}

// NotificationsConfig selects the Pub/Sub topic for order events.
type NotificationsConfig struct {
	ProjectID string
	Topic     string
}

// PricingConfig holds fallbacks used when the admin settings document is absent.
type PricingConfig struct {
	ServiceCharge    string
	VATRate          string
	PetroleumTaxRate string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification for internal endpoints.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig captures webhook signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// ReconcileConfig drives the payment intent sweep.
type ReconcileConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	BatchSize   int
	MaxAttempts int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
// Names are reported as short hashes so logs never carry secret identifiers verbatim.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns hashed secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Payments.StripeAPIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// Load assembles the application configuration from defaults, .env overrides, the process
// environment, explicit maps and Secret Manager references, in increasing precedence.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := collectEnvironment(options)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, "QR_SERVER_PORT", defaultPort),
			ReadTimeout:    durationWithDefault(lookup, "QR_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "QR_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "QR_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: durationWithDefault(lookup, "QR_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "QR_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "QR_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "QR_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "QR_FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:            stringWithDefault(lookup, "QR_REDIS_ADDR", defaultRedisAddr),
			Password:        stringWithDefault(lookup, "QR_REDIS_PASSWORD", ""),
			DB:              intWithDefault(lookup, "QR_REDIS_DB", 0),
			ServiceCacheTTL: durationWithDefault(lookup, "QR_REDIS_SERVICE_CACHE_TTL", defaultServiceCacheTTL),
		},
		Maps: MapsConfig{
			APIKey: stringWithDefault(lookup, "QR_MAPS_API_KEY", ""),
		},
		Payments: PaymentsConfig{
			Currency:          strings.ToUpper(stringWithDefault(lookup, "QR_PAYMENTS_CURRENCY", defaultCurrency)),
			StripeAPIKey:      stringWithDefault(lookup, "QR_PAYMENTS_STRIPE_API_KEY", ""),
			BillGatewayURL:    stringWithDefault(lookup, "QR_PAYMENTS_BILL_GATEWAY_URL", ""),
			BillGatewayAPIKey: stringWithDefault(lookup, "QR_PAYMENTS_BILL_GATEWAY_API_KEY", ""),
		},
		Notifications: NotificationsConfig{
			ProjectID: stringWithDefault(lookup, "QR_NOTIFICATIONS_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "QR_NOTIFICATIONS_TOPIC", defaultNotificationsTopic),
		},
		Pricing: PricingConfig{
			ServiceCharge:    stringWithDefault(lookup, "QR_PRICING_SERVICE_CHARGE", defaultServiceCharge),
			VATRate:          stringWithDefault(lookup, "QR_PRICING_VAT_RATE", defaultVATRate),
			PetroleumTaxRate: stringWithDefault(lookup, "QR_PRICING_PETROLEUM_TAX_RATE", defaultPetroleumTaxRate),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "QR_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "QR_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "QR_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "QR_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "QR_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         mapWithDefault(lookup, "QR_SECURITY_HMAC_SECRETS"),
				SignatureHeader: stringWithDefault(lookup, "QR_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: stringWithDefault(lookup, "QR_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     stringWithDefault(lookup, "QR_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       durationWithDefault(lookup, "QR_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        durationWithDefault(lookup, "QR_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header: stringWithDefault(lookup, "QR_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    durationWithDefault(lookup, "QR_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
		Reconcile: ReconcileConfig{
			Interval:    durationWithDefault(lookup, "QR_RECONCILE_INTERVAL", defaultReconcileInterval),
			StaleAfter:  durationWithDefault(lookup, "QR_RECONCILE_STALE_AFTER", defaultReconcileStaleAfter),
			BatchSize:   intWithDefault(lookup, "QR_RECONCILE_BATCH_SIZE", defaultReconcileBatchSize),
			MaxAttempts: intWithDefault(lookup, "QR_RECONCILE_MAX_ATTEMPTS", defaultReconcileAttempts),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Notifications.ProjectID == "" {
		cfg.Notifications.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolved, err := resolveSecrets(ctx, &cfg, options.secret)
	if err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) (map[string]string, error) {
	resolved := make(map[string]string)

	fields := []struct {
		name  string
		field *string
	}{
		{"Payments.StripeAPIKey", &cfg.Payments.StripeAPIKey},
		{"Payments.BillGatewayAPIKey", &cfg.Payments.BillGatewayAPIKey},
		{"Maps.APIKey", &cfg.Maps.APIKey},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range fields {
		value, err := resolveSecret(ctx, *target.field, resolver)
		if err != nil {
			return nil, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	for key, value := range cfg.Security.HMAC.Secrets {
		secret, err := resolveSecret(ctx, value, resolver)
		if err != nil {
			return nil, err
		}
		cfg.Security.HMAC.Secrets[key] = secret
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", key)] = strings.TrimSpace(secret)
	}
	return resolved, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		missing = append(missing, "Redis.Addr")
	}
	if len(cfg.Payments.Currency) != 3 {
		missing = append(missing, "Payments.Currency")
	}
	if cfg.Payments.BillGatewayURL != "" && !strings.HasPrefix(cfg.Payments.BillGatewayURL, "http") {
		missing = append(missing, "Payments.BillGatewayURL")
	}
	for name, raw := range map[string]string{
		"Pricing.ServiceCharge":    cfg.Pricing.ServiceCharge,
		"Pricing.VATRate":          cfg.Pricing.VATRate,
		"Pricing.PetroleumTaxRate": cfg.Pricing.PetroleumTaxRate,
	} {
		if !isDecimal(raw) {
			missing = append(missing, name)
		}
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Reconcile.Interval <= 0 {
		missing = append(missing, "Reconcile.Interval")
	}
	if cfg.Reconcile.BatchSize <= 0 {
		missing = append(missing, "Reconcile.BatchSize")
	}
	if cfg.Reconcile.MaxAttempts <= 0 {
		missing = append(missing, "Reconcile.MaxAttempts")
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if resolved[trimmed] == "" {
			missing = append(missing, trimmed)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func lookupSystemEnv() map[string]string {
	system := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		system[strings.TrimSpace(key)] = value
	}
	return system
}
