package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"db-recon/internal/creds"
	"db-recon/internal/dialect"
	"db-recon/internal/metrics"
	"db-recon/internal/pool"
)

// Endpoint is one side of the reconciliation pair.
type Endpoint struct {
	Name           string `mapstructure:"name"`
	Driver         string `mapstructure:"driver"`
	DSN            string `mapstructure:"dsn"`
	CredentialPath string `mapstructure:"credential_path"`
	Schema         string `mapstructure:"schema"`
}

// GetEndpoints returns the configured source and target endpoints.
func GetEndpoints() (source, target *Endpoint, err error) {
	var s, t Endpoint
	if err := viper.UnmarshalKey("source", &s); err != nil {
		return nil, nil, fmt.Errorf("failed to parse source config: %w", err)
	}
	if err := viper.UnmarshalKey("target", &t); err != nil {
		return nil, nil, fmt.Errorf("failed to parse target config: %w", err)
	}
	if s.Driver == "" || t.Driver == "" {
		return nil, nil, fmt.Errorf("both source.driver and target.driver must be set")
	}
	if s.Name == "" {
		s.Name = "source"
	}
	if t.Name == "" {
		t.Name = "target"
	}
	return &s, &t, nil
}

// ResolveDSN picks the endpoint's connection string: the credential provider
// first when a logical path is configured, the explicit DSN as fallback when
// the provider cannot serve (Unavailable, or NotFound with a DSN on hand).
func ResolveDSN(ep *Endpoint, provider creds.Provider, log *zap.Logger) (string, error) {
	if ep.CredentialPath == "" {
		if ep.DSN == "" {
			return "", fmt.Errorf("endpoint %s: dsn or credential_path is required", ep.Name)
		}
		return ep.DSN, nil
	}

	params, err := provider.GetConnectionParams(ep.CredentialPath)
	if err == nil {
		return buildDSN(ep.Driver, params)
	}
	if ep.DSN != "" && (errors.Is(err, creds.ErrUnavailable) || errors.Is(err, creds.ErrNotFound)) {
		log.Warn("credential provider unavailable, falling back to configured dsn",
			zap.String("endpoint", ep.Name), zap.Error(err))
		return ep.DSN, nil
	}
	return "", fmt.Errorf("endpoint %s: resolving credentials %q: %w", ep.Name, ep.CredentialPath, err)
}

func buildDSN(driver string, p creds.Params) (string, error) {
	switch driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", p.User, p.Secret, p.Host, p.Port, p.Database), nil
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", p.User, p.Secret, p.Host, p.Port, p.Database), nil
	case "sqlserver", "mssql":
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s", p.User, p.Secret, p.Host, p.Port, p.Database), nil
	case "oracle":
		return fmt.Sprintf("oracle://%s:%s@%s:%d/%s", p.User, p.Secret, p.Host, p.Port, p.Database), nil
	default:
		return "", fmt.Errorf("unknown driver %q", driver)
	}
}

// side bundles everything one endpoint needs at runtime.
type side struct {
	Endpoint *Endpoint
	DB       *sql.DB
	Dialect  dialect.Dialect
	Pool     *pool.Pool
}

func (s *side) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

// openSide connects one endpoint and builds its connection pool, sized so
// every orchestrator worker can hold one lease.
func openSide(ep *Endpoint, maxWorkers int, sink metrics.Sink) (*side, error) {
	provider := creds.NewEnvProvider(viper.GetString("settings.dotenv"))
	dsn, err := ResolveDSN(ep, provider, Log)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(ep.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", ep.Name, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", ep.Name, err)
	}
	// The custom pool checks out dedicated sessions; let the driver keep up.
	db.SetMaxOpenConns(maxWorkers + 1)

	minSize := viper.GetInt("pool.min_size")
	if minSize <= 0 || minSize > maxWorkers {
		minSize = 1
	}
	p, err := pool.New(pool.Config{
		MinSize:             minSize,
		MaxSize:             maxWorkers,
		MaxIdleTime:         viper.GetDuration("pool.max_idle_time"),
		MaxLifetime:         viper.GetDuration("pool.max_lifetime"),
		MaintenanceInterval: viper.GetDuration("pool.maintenance_interval"),
	}, pool.DBFactory(db), Log.Named("pool."+ep.Name), sink)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &side{Endpoint: ep, DB: db, Dialect: dialect.GetDialect(ep.Driver), Pool: p}, nil
}

// acquireTimeout is how long a worker waits for a pool lease before the
// table fails with a pool-exhaustion error.
func acquireTimeout() time.Duration {
	d := viper.GetDuration("pool.acquire_timeout")
	if d <= 0 {
		d = 30 * time.Second
	}
	return d
}
