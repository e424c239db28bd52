package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/toolmux/toolmux/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed configuration store. All operations are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure all required tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ─────────────────────────────────────────────────────────────────────────────
// Tool descriptors
// ─────────────────────────────────────────────────────────────────────────────

const toolColumns = `id, name, description, kind, command, args, env, url,
	headers, timeout_seconds, retry_count, retry_delay_seconds, enabled, created_at`

func scanTool(row pgx.CollectableRow) (store.ToolDescriptor, error) {
	var d store.ToolDescriptor
	var timeoutSec, retryDelaySec int
	err := row.Scan(&d.ID, &d.Name, &d.Description, &d.Kind, &d.Command,
		&d.Args, &d.Env, &d.URL, &d.Headers,
		&timeoutSec, &d.RetryCount, &retryDelaySec, &d.Enabled, &d.CreatedAt)
	if err != nil {
		return store.ToolDescriptor{}, err
	}
	d.Timeout = time.Duration(timeoutSec) * time.Second
	d.RetryDelay = time.Duration(retryDelaySec) * time.Second
	return d, nil
}

// GetToolDescriptor returns the descriptor for the given tool id.
func (s *Store) GetToolDescriptor(ctx context.Context, id int64) (store.ToolDescriptor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+toolColumns+` FROM mcp_tools WHERE id = $1`, id)
	if err != nil {
		return store.ToolDescriptor{}, fmt.Errorf("postgres store: get tool %d: %w", id, err)
	}

	d, err := pgx.CollectOneRow(rows, scanTool)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ToolDescriptor{}, fmt.Errorf("postgres store: tool %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.ToolDescriptor{}, fmt.Errorf("postgres store: get tool %d: %w", id, err)
	}
	return d, nil
}

// ListEnabledToolDescriptors returns all enabled tools, oldest first.
func (s *Store) ListEnabledToolDescriptors(ctx context.Context) ([]store.ToolDescriptor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+toolColumns+` FROM mcp_tools WHERE enabled ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list enabled tools: %w", err)
	}

	descs, err := pgx.CollectRows(rows, scanTool)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list enabled tools: %w", err)
	}
	return descs, nil
}

// UpdateToolEnabled flips a tool's enabled flag.
func (s *Store) UpdateToolEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mcp_tools SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("postgres store: update tool %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: tool %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Assistants
// ─────────────────────────────────────────────────────────────────────────────

const assistantColumns = `id, name, description, type, max_tools, system_prompt, enabled, created_at`

func scanAssistant(row pgx.CollectableRow) (store.Assistant, error) {
	var a store.Assistant
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Type, &a.MaxTools,
		&a.SystemPrompt, &a.Enabled, &a.CreatedAt)
	return a, err
}

// GetAssistant returns the assistant with the given id.
func (s *Store) GetAssistant(ctx context.Context, id int64) (store.Assistant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assistantColumns+` FROM assistants WHERE id = $1`, id)
	if err != nil {
		return store.Assistant{}, fmt.Errorf("postgres store: get assistant %d: %w", id, err)
	}

	a, err := pgx.CollectOneRow(rows, scanAssistant)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Assistant{}, fmt.Errorf("postgres store: assistant %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return store.Assistant{}, fmt.Errorf("postgres store: get assistant %d: %w", id, err)
	}
	return a, nil
}

// GetAssistantByName resolves an enabled assistant by name, preferring an
// exact match over a case-insensitive one.
func (s *Store) GetAssistantByName(ctx context.Context, name string) (store.Assistant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assistantColumns+` FROM assistants
		 WHERE enabled AND (name = $1 OR lower(name) = lower($1))
		 ORDER BY (name = $1) DESC
		 LIMIT 1`, name)
	if err != nil {
		return store.Assistant{}, fmt.Errorf("postgres store: get assistant %q: %w", name, err)
	}

	a, err := pgx.CollectOneRow(rows, scanAssistant)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Assistant{}, fmt.Errorf("postgres store: assistant %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return store.Assistant{}, fmt.Errorf("postgres store: get assistant %q: %w", name, err)
	}
	return a, nil
}

// ListEnabledAssistants returns all enabled assistants, oldest first.
func (s *Store) ListEnabledAssistants(ctx context.Context) ([]store.Assistant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assistantColumns+` FROM assistants WHERE enabled ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list assistants: %w", err)
	}

	assistants, err := pgx.CollectRows(rows, scanAssistant)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list assistants: %w", err)
	}
	return assistants, nil
}

// GetAssistantWithTools returns the assistant plus its dedicated tool
// bindings in priority order.
func (s *Store) GetAssistantWithTools(ctx context.Context, id int64) (store.AssistantWithTools, error) {
	a, err := s.GetAssistant(ctx, id)
	if err != nil {
		return store.AssistantWithTools{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT tool_id, priority FROM assistant_tools
		 WHERE assistant_id = $1
		 ORDER BY priority, tool_id`, id)
	if err != nil {
		return store.AssistantWithTools{}, fmt.Errorf("postgres store: tools for assistant %d: %w", id, err)
	}

	tools, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.AssistantTool, error) {
		var t store.AssistantTool
		err := row.Scan(&t.ToolID, &t.Priority)
		return t, err
	})
	if err != nil {
		return store.AssistantWithTools{}, fmt.Errorf("postgres store: tools for assistant %d: %w", id, err)
	}

	return store.AssistantWithTools{Assistant: a, Tools: tools}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// API keys
// ─────────────────────────────────────────────────────────────────────────────

// hashSecret produces the stored form of an API key secret.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// AuthenticateAPIKey resolves a presented secret to an enabled, unexpired
// key. Unknown, disabled, and expired keys all return [store.ErrNotFound];
// callers cannot distinguish them, deliberately.
func (s *Store) AuthenticateAPIKey(ctx context.Context, secret string) (store.APIKey, error) {
	var k store.APIKey
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, can_manage, NOT is_disabled FROM api_keys
		 WHERE key_hash = $1
		   AND NOT is_disabled
		   AND (expires_at IS NULL OR expires_at > now())`,
		hashSecret(secret)).Scan(&k.ID, &k.Name, &k.CanManage, &k.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.APIKey{}, fmt.Errorf("postgres store: api key: %w", store.ErrNotFound)
	}
	if err != nil {
		return store.APIKey{}, fmt.Errorf("postgres store: authenticate api key: %w", err)
	}
	return k, nil
}

// KeyHasAssistantAccess reports whether the key may use the assistant. Keys
// with can_manage implicitly have access to every assistant.
func (s *Store) KeyHasAssistantAccess(ctx context.Context, keyID, assistantID int64) (bool, error) {
	var allowed bool
	err := s.pool.QueryRow(ctx,
		`SELECT can_manage OR EXISTS (
		     SELECT 1 FROM api_key_assistants
		     WHERE key_id = $1 AND assistant_id = $2)
		 FROM api_keys
		 WHERE id = $1 AND NOT is_disabled`,
		keyID, assistantID).Scan(&allowed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("postgres store: api key %d: %w", keyID, store.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("postgres store: access check for key %d: %w", keyID, err)
	}
	return allowed, nil
}
