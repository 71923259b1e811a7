// Package tierstore is the client library for the tierstore NATS
// request/reply surface. It mirrors the daemon's result envelope so
// callers get the same routing metadata the HTTP API returns.
package tierstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Result is the uniform response envelope for Get, Put and Delete.
type Result struct {
	Success  bool          `json:"success"`
	Data     []byte        `json:"data,omitempty"`
	Err      string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency,omitempty"`
	Affected int64         `json:"affected,omitempty"`
	Meta     Meta          `json:"metadata"`
}

// KeysResult is the response envelope for List.
type KeysResult struct {
	Success  bool          `json:"success"`
	Keys     []string      `json:"keys"`
	Err      string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency,omitempty"`
	Complete bool          `json:"complete"`
	Meta     Meta          `json:"metadata"`
}

// Meta describes where and when a result was produced.
type Meta struct {
	Timestamp time.Time     `json:"timestamp"`
	Class     string        `json:"storage_class"`
	Backend   string        `json:"backend"`
	TTL       time.Duration `json:"ttl,omitempty"`
	Routing   *Routing      `json:"routing,omitempty"`
}

// Routing is the router-populated extension of a result.
type Routing struct {
	RoutedClass    string   `json:"routed_class,omitempty"`
	RoutedAdapter  string   `json:"routed_adapter,omitempty"`
	Promoted       bool     `json:"promoted,omitempty"`
	Demoted        bool     `json:"demoted,omitempty"`
	FromClass      string   `json:"from_class,omitempty"`
	ToClass        string   `json:"to_class,omitempty"`
	FallbackWrite  bool     `json:"fallback_write,omitempty"`
	FallbackDelete bool     `json:"fallback_delete,omitempty"`
	DualMode       bool     `json:"dual_mode,omitempty"`
	AdapterErrors  []string `json:"adapter_errors,omitempty"`
	Size           int64    `json:"size,omitempty"`
	OriginalSize   int64    `json:"original_size,omitempty"`
	CompressedSize int64    `json:"compressed_size,omitempty"`
}

// Storage class names accepted by the daemon.
const (
	ClassHot       = "hot_cache"
	ClassWarm      = "warm_cache"
	ClassCold      = "cold_storage"
	ClassEphemeral = "ephemeral"
	ClassArchive   = "archive"
)

// Config configures the client.
type Config struct {
	// NC is the NATS connection.
	NC *nats.Conn

	// SubjectPrefix matches the daemon's responder prefix.
	// Defaults to "tierstore".
	SubjectPrefix string

	// Timeout for requests. Defaults to 5s.
	Timeout time.Duration
}

// Client talks to a tierstore daemon over NATS request/reply.
type Client struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.NC == nil {
		return nil, fmt.Errorf("tierstore: NC (NATS connection) is required")
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "tierstore"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{nc: cfg.NC, prefix: prefix, timeout: timeout}, nil
}

func (c *Client) subject(class, op, key string) string {
	if key == "" {
		return fmt.Sprintf("%s.store.%s.%s", c.prefix, class, op)
	}
	return fmt.Sprintf("%s.store.%s.%s.%s", c.prefix, class, op, key)
}

func (c *Client) request(ctx context.Context, subject string, payload []byte, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.nc.RequestWithContext(reqCtx, subject, payload)
	if err != nil {
		return fmt.Errorf("tierstore: request %s: %w", subject, err)
	}

	// The responder answers subject-level problems with a bare error
	// object instead of a result envelope. Envelopes always carry a
	// metadata field; the bare error never does.
	var probe struct {
		Error    string          `json:"error"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if json.Unmarshal(resp.Data, &probe) == nil && probe.Error != "" && probe.Metadata == nil {
		return fmt.Errorf("tierstore: %s", probe.Error)
	}

	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("tierstore: decoding response: %w", err)
	}
	return nil
}

// Get reads key from class, with the daemon's fall-through and
// promotion behavior applied.
func (c *Client) Get(ctx context.Context, class, key string) (*Result, error) {
	var res Result
	if err := c.request(ctx, c.subject(class, "get", key), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Put writes value under key in class.
func (c *Client) Put(ctx context.Context, class, key string, value []byte) (*Result, error) {
	var res Result
	if err := c.request(ctx, c.subject(class, "put", key), value, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Delete removes key from class.
func (c *Client) Delete(ctx context.Context, class, key string) (*Result, error) {
	var res Result
	if err := c.request(ctx, c.subject(class, "delete", key), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// List enumerates keys in class matching prefix; a zero limit means
// unlimited.
func (c *Client) List(ctx context.Context, class, prefix string, limit int) (*KeysResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"prefix": prefix,
		"limit":  limit,
	})
	if err != nil {
		return nil, err
	}

	var res KeysResult
	if err := c.request(ctx, c.subject(class, "list", ""), payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
