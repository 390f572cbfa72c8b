package timeplus

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/timeplus-io/proton-go-driver/v2"
	"github.com/timeplus-io/proton-go-driver/v2/lib/driver"

	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
)

const (
	pingAttempts  = 10
	queryAttempts = 3
	queryTimeout  = 15 * time.Second
)

// Column represents a column definition
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// Client wraps a Proton native-protocol connection
type Client struct {
	mu   sync.RWMutex
	conn driver.Conn
	opts *proton.Options
}

// NewClient connects to Timeplus and waits until the server answers a ping
func NewClient(ctx context.Context, cfg *config.TimeplusConfig) (*Client, error) {
	address := strings.TrimPrefix(strings.TrimPrefix(cfg.Address, "http://"), "https://")
	if !strings.Contains(address, ":") {
		address += ":8464"
	}
	logrus.Infof("Connecting to Timeplus native protocol at %s (workspace: %s)", address, cfg.Workspace)

	opts := &proton.Options{
		Addr: []string{address},
		Auth: proton.Auth{
			Database: cfg.Workspace,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: 2 * time.Hour,
		Compression: &proton.Compression{
			Method: proton.CompressionLZ4,
		},
	}

	conn, err := proton.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to Timeplus: %w", err)
	}

	var pingErr error
	for i := 0; i < pingAttempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pingErr = conn.Ping(pingCtx)
		cancel()
		if pingErr == nil {
			break
		}
		logrus.Warnf("Failed to ping Timeplus (attempt %d/%d): %v", i+1, pingAttempts, pingErr)
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	if pingErr != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping Timeplus after %d attempts: %w", pingAttempts, pingErr)
	}

	logrus.Info("Connected to Timeplus")
	return &Client{conn: conn, opts: opts}, nil
}

func (c *Client) current() driver.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Close releases the connection pool
func (c *Client) Close() error {
	return c.current().Close()
}

// CreateStream creates a stream with the given schema if it does not exist
func (c *Client) CreateStream(ctx context.Context, name string, schema []Column) error {
	fields := make([]string, len(schema))
	for i, col := range schema {
		if col.Nullable {
			fields[i] = fmt.Sprintf("`%s` nullable(%s)", col.Name, col.Type)
		} else {
			fields[i] = fmt.Sprintf("`%s` %s", col.Name, col.Type)
		}
	}
	query := fmt.Sprintf("CREATE STREAM IF NOT EXISTS `%s` (%s)", name, strings.Join(fields, ", "))
	if err := c.current().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", name, err)
	}
	return nil
}

// StreamExists checks if a stream exists
func (c *Client) StreamExists(ctx context.Context, name string) (bool, error) {
	rows, err := c.current().Query(ctx, fmt.Sprintf("SHOW STREAMS LIKE %s", quote(name)))
	if err != nil {
		return false, fmt.Errorf("failed to execute SHOW STREAMS: %w", err)
	}
	defer rows.Close()

	exists := rows.Next()
	if rows.Err() != nil {
		return false, fmt.Errorf("error checking rows from SHOW STREAMS: %w", rows.Err())
	}
	return exists, nil
}

// DeleteStream drops a stream if it exists
func (c *Client) DeleteStream(ctx context.Context, name string) error {
	if err := c.current().Exec(ctx, fmt.Sprintf("DROP STREAM IF EXISTS `%s`", name)); err != nil {
		return fmt.Errorf("failed to delete stream '%s': %w", name, err)
	}
	return nil
}

// ExecuteDDL executes a statement that returns no rows
func (c *Client) ExecuteDDL(ctx context.Context, query string) error {
	if err := c.current().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to execute DDL query '%s': %w", query, err)
	}
	return nil
}

// ExecuteQuery runs a bounded query and returns each row as a column map.
// EOF errors trigger a reconnect before the next attempt.
func (c *Client) ExecuteQuery(ctx context.Context, query string) ([]map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < queryAttempts; attempt++ {
		if attempt > 0 {
			logrus.Warnf("Retrying query (attempt %d/%d) after error: %v", attempt+1, queryAttempts, lastErr)
			if strings.Contains(lastErr.Error(), "EOF") {
				if err := c.reconnect(ctx); err != nil {
					logrus.Errorf("Failed to reconnect: %v", err)
				}
			}
			if err := backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		result, err := c.query(ctx, query)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("failed to execute query after %d attempts: %w", queryAttempts, lastErr)
}

func (c *Client) query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := c.current().Query(queryCtx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columnNames := rows.Columns()
	columnTypes := rows.ColumnTypes()
	result := make([]map[string]interface{}, 0)
	for rows.Next() {
		scanArgs := make([]interface{}, len(columnNames))
		for i, ct := range columnTypes {
			scanArgs[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]interface{}, len(columnNames))
		for i, name := range columnNames {
			row[name] = reflect.ValueOf(scanArgs[i]).Elem().Interface()
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return result, nil
}

// InsertRows writes rows in a single INSERT statement
func (c *Client) InsertRows(ctx context.Context, streamName string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	tuples := make([]string, len(rows))
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row %d has %d values for %d columns", i, len(row), len(columns))
		}
		values := make([]string, len(row))
		for j, v := range row {
			values[j] = literal(v)
		}
		tuples[i] = "(" + strings.Join(values, ", ") + ")"
	}
	query := fmt.Sprintf("INSERT INTO `%s` (%s) VALUES %s", streamName, strings.Join(columns, ", "), strings.Join(tuples, ", "))

	var lastErr error
	for attempt := 0; attempt < queryAttempts; attempt++ {
		if attempt > 0 {
			if strings.Contains(lastErr.Error(), "EOF") {
				if err := c.reconnect(ctx); err != nil {
					logrus.Errorf("Failed to reconnect: %v", err)
				}
			}
			if err := backoff(ctx, attempt); err != nil {
				return err
			}
		}
		if lastErr = c.current().Exec(ctx, query); lastErr == nil {
			return nil
		}
		logrus.Warnf("Insert into %s failed (attempt %d/%d): %v", streamName, attempt+1, queryAttempts, lastErr)
	}
	return fmt.Errorf("failed to insert into stream %s after %d attempts: %w", streamName, queryAttempts, lastErr)
}

func (c *Client) reconnect(ctx context.Context) error {
	conn, err := proton.Open(c.opts)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	old.Close()
	logrus.Info("Reconnected to Timeplus")
	return nil
}

func backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(1<<uint(attempt-1)) * time.Second
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
