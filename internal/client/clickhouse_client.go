package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"auth-advisor/internal/config"
	"auth-advisor/internal/util"
)

const (
	nativePort       = "9000"
	nativeSecurePort = "9440"
)

var ErrClickHouseClosed = errors.New("clickhouse client closed")

// ClickHouseClient is the analytics connection behind the ClickHouse event store.
type ClickHouseClient struct {
	conn     driver.Conn
	database string

	mu     sync.RWMutex
	closed bool
}

// chEndpoint is a ClickHouse URL resolved to a native-protocol address.
type chEndpoint struct {
	Addr   string
	Host   string
	Secure bool
}

// parseEndpoint accepts http, https and clickhouse URLs as well as a bare host[:port]. The
// native protocol port is filled in when the URL does not carry one.
func parseEndpoint(raw string) (chEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("clickhouse://" + raw)
		if err != nil {
			return chEndpoint{}, fmt.Errorf("invalid clickhouse url %q: %w", raw, err)
		}
	}
	if u.Hostname() == "" {
		return chEndpoint{}, fmt.Errorf("invalid clickhouse url %q: missing host", raw)
	}

	ep := chEndpoint{Host: u.Hostname(), Secure: u.Scheme == "https"}
	port := u.Port()
	if port == "" {
		port = nativePort
		if ep.Secure {
			port = nativeSecurePort
		}
	}
	ep.Addr = net.JoinHostPort(ep.Host, port)
	return ep, nil
}

func newClickHouseOptions(cfg config.ClickhouseConfig, ep chEndpoint) (*ch.Options, error) {
	opts := &ch.Options{
		Addr: []string{ep.Addr},
		Auth: ch.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
			Database: cfg.Database,
		},
		// resolving anomalies is an ALTER ... UPDATE; wait for it so reads see the change
		Settings: ch.Settings{
			"mutations_sync": 1,
		},
		Compression: &ch.Compression{
			Method: ch.CompressionLZ4,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	if !ep.Secure {
		return opts, nil
	}
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: ep.Host,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in ClickHouse CA file %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	opts.TLS = tlsConfig
	return opts, nil
}

func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	ep, err := parseEndpoint(cfg.Clickhouse.URL)
	if err != nil {
		return nil, err
	}
	opts, err := newClickHouseOptions(cfg.Clickhouse, ep)
	if err != nil {
		return nil, err
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse at %s: %w", ep.Addr, err)
	}

	logger.Info("ClickHouse client initialized",
		zap.String("addr", ep.Addr),
		zap.String("database", cfg.Clickhouse.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)

	return &ClickHouseClient{conn: conn, database: cfg.Clickhouse.Database}, nil
}

// use runs fn against the live connection, or fails once the client is closed.
func (c *ClickHouseClient) use(fn func(driver.Conn) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClickHouseClosed
	}
	return fn(c.conn)
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.use(func(conn driver.Conn) error {
		return conn.Exec(ctx, query, args...)
	})
}

func (c *ClickHouseClient) QueryRows(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	var rows driver.Rows
	err := c.use(func(conn driver.Conn) error {
		var err error
		rows, err = conn.Query(ctx, query, args...)
		return err
	})
	return rows, err
}

// BatchInsert sends data as one block. A row that fails to append aborts the whole batch, so
// a scored batch lands either completely or not at all.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, data [][]interface{}) error {
	return c.use(func(conn driver.Conn) error {
		batch, err := conn.PrepareBatch(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for i, row := range data {
			if err := batch.Append(row...); err != nil {
				_ = batch.Abort()
				return fmt.Errorf("failed to append row %d to batch: %w", i, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch of %d rows: %w", len(data), err)
		}
		util.Debug("ClickHouse batch sent", zap.Int("rows", len(data)), zap.String("database", c.database))
		return nil
	})
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	return c.use(func(conn driver.Conn) error {
		return conn.Ping(ctx)
	})
}

// Close is safe to call more than once.
func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		util.Error("Failed to close ClickHouse connection", zap.Error(err))
		return err
	}
	util.Info("ClickHouse connection closed")
	return nil
}
