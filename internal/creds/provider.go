package creds

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var (
	// ErrNotFound means the logical path resolved but no credentials exist.
	ErrNotFound = errors.New("credentials not found")
	// ErrUnavailable means the provider itself could not be reached; callers
	// fall back to explicitly supplied connection parameters.
	ErrUnavailable = errors.New("credential provider unavailable")
)

// Params are the connection parameters a provider returns for a logical path.
type Params struct {
	Host     string
	Port     int
	User     string
	Secret   string
	Database string
}

// Provider resolves a logical path (e.g. "db/source") to connection
// parameters.
type Provider interface {
	GetConnectionParams(logicalPath string) (Params, error)
}

// EnvProvider reads credentials from process environment variables,
// optionally primed from a dotenv file. A path like "db/source" maps to
// DBRECON_DB_SOURCE_HOST, _PORT, _USER, _SECRET, _DATABASE.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider loads dotenvFile when given (missing file is not an error;
// the process environment may already carry the values).
func NewEnvProvider(dotenvFile string) *EnvProvider {
	if dotenvFile != "" {
		_ = godotenv.Load(dotenvFile)
	}
	return &EnvProvider{prefix: "DBRECON"}
}

func (p *EnvProvider) key(path, field string) string {
	norm := strings.ToUpper(path)
	norm = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, norm)
	return p.prefix + "_" + norm + "_" + field
}

func (p *EnvProvider) GetConnectionParams(logicalPath string) (Params, error) {
	host := os.Getenv(p.key(logicalPath, "HOST"))
	user := os.Getenv(p.key(logicalPath, "USER"))
	if host == "" && user == "" {
		return Params{}, fmt.Errorf("%w: no entries for path %q", ErrNotFound, logicalPath)
	}

	params := Params{
		Host:     host,
		User:     user,
		Secret:   os.Getenv(p.key(logicalPath, "SECRET")),
		Database: os.Getenv(p.key(logicalPath, "DATABASE")),
	}
	if raw := os.Getenv(p.key(logicalPath, "PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Params{}, fmt.Errorf("invalid port %q for path %q: %w", raw, logicalPath, err)
		}
		params.Port = port
	}
	return params, nil
}
