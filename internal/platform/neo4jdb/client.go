package neo4jdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/cliniscribe/notegen-backend/internal/pkg/ctxutil"
	"github.com/cliniscribe/notegen-backend/internal/platform/envutil"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
)

// Client wraps the neo4j driver for the SNOMED concept graph. The graph is
// read-only from this service's point of view.
type Client struct {
	Driver   neo4j.DriverWithContext
	Database string
	log      *logger.Logger
}

func NewFromEnv(log *logger.Logger) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("neo4jdb: logger required")
	}

	uri := strings.TrimSpace(envutil.Str("SNOMED_NEO4J_URI", ""))
	if uri == "" {
		return nil, nil
	}

	user := strings.TrimSpace(envutil.Str("SNOMED_NEO4J_USER", "neo4j"))
	password := strings.TrimSpace(envutil.Str("SNOMED_NEO4J_PASSWORD", ""))
	database := strings.TrimSpace(envutil.Str("SNOMED_NEO4J_DATABASE", ""))
	timeout := envutil.Duration("SNOMED_NEO4J_TIMEOUT_SECONDS", 10*time.Second)
	maxPool := envutil.Int("SNOMED_NEO4J_MAX_POOL_SIZE", 50)

	auth := neo4j.BasicAuth(user, password, "")
	driver, err := neo4j.NewDriverWithContext(uri, auth, func(cfg *neo4j.Config) {
		cfg.MaxConnectionPoolSize = maxPool
		cfg.SocketConnectTimeout = timeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4jdb: init driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4jdb: verify connectivity: %w", err)
	}

	log.Info("Neo4j SNOMED graph connected", "uri", uri, "database", database)
	return &Client{
		Driver:   driver,
		Database: database,
		log:      log.With("client", "Neo4jDB"),
	}, nil
}

// ReadRows runs a read-mode Cypher query and returns every record's values
// keyed by the query's return aliases.
func (c *Client) ReadRows(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	if c == nil || c.Driver == nil {
		return nil, fmt.Errorf("neo4jdb: client not initialized")
	}
	ctx = ctxutil.Default(ctx)

	session := c.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: c.Database,
	})
	defer session.Close(ctx)

	rows, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var out []map[string]any
		for res.Next(ctx) {
			rec := res.Record()
			row := make(map[string]any, len(rec.Keys))
			for _, key := range rec.Keys {
				val, _ := rec.Get(key)
				row[key] = val
			}
			out = append(out, row)
		}
		return out, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4jdb: read query: %w", err)
	}
	typed, _ := rows.([]map[string]any)
	return typed, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.Driver == nil {
		return fmt.Errorf("neo4jdb: client not initialized")
	}
	return c.Driver.VerifyConnectivity(ctxutil.Default(ctx))
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Driver == nil {
		return nil
	}
	ctx = ctxutil.Default(ctx)
	err := c.Driver.Close(ctx)
	c.Driver = nil
	return err
}
