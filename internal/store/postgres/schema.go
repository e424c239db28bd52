// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store]: MCP tool descriptors, assistants with their tool bindings,
// and API keys.
//
// All tables share a single [pgxpool.Pool]. [Migrate] is idempotent and runs
// on every application start.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	desc, err := st.GetToolDescriptor(ctx, 7)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — MCP tool providers
// ─────────────────────────────────────────────────────────────────────────────

const ddlTools = `
CREATE TABLE IF NOT EXISTS mcp_tools (
    id                  BIGSERIAL    PRIMARY KEY,
    name                TEXT         NOT NULL,
    description         TEXT         NOT NULL DEFAULT '',
    kind                TEXT         NOT NULL,
    command             TEXT         NOT NULL DEFAULT '',
    args                JSONB        NOT NULL DEFAULT '[]',
    env                 JSONB        NOT NULL DEFAULT '{}',
    url                 TEXT         NOT NULL DEFAULT '',
    headers             JSONB        NOT NULL DEFAULT '{}',
    timeout_seconds     INTEGER      NOT NULL DEFAULT 30,
    retry_count         INTEGER      NOT NULL DEFAULT 0,
    retry_delay_seconds INTEGER      NOT NULL DEFAULT 1,
    enabled             BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_mcp_tools_enabled_created
    ON mcp_tools (enabled, created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — assistants and their tool bindings
// ─────────────────────────────────────────────────────────────────────────────

const ddlAssistants = `
CREATE TABLE IF NOT EXISTS assistants (
    id            BIGSERIAL    PRIMARY KEY,
    name          TEXT         NOT NULL UNIQUE,
    description   TEXT         NOT NULL DEFAULT '',
    type          TEXT         NOT NULL,
    max_tools     INTEGER      NOT NULL DEFAULT 0,
    system_prompt TEXT         NOT NULL DEFAULT '',
    enabled       BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS assistant_tools (
    assistant_id BIGINT  NOT NULL REFERENCES assistants (id) ON DELETE CASCADE,
    tool_id      BIGINT  NOT NULL REFERENCES mcp_tools (id) ON DELETE CASCADE,
    priority     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (assistant_id, tool_id)
);

CREATE INDEX IF NOT EXISTS idx_assistant_tools_assistant
    ON assistant_tools (assistant_id, priority);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — API keys
// ─────────────────────────────────────────────────────────────────────────────

// API key secrets are never stored; only their SHA-256 hex digest is.
const ddlAPIKeys = `
CREATE TABLE IF NOT EXISTS api_keys (
    id          BIGSERIAL    PRIMARY KEY,
    name        TEXT         NOT NULL,
    key_hash    TEXT         NOT NULL UNIQUE,
    key_prefix  TEXT         NOT NULL DEFAULT '',
    can_manage  BOOLEAN      NOT NULL DEFAULT FALSE,
    is_disabled BOOLEAN      NOT NULL DEFAULT FALSE,
    expires_at  TIMESTAMPTZ,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS api_key_assistants (
    key_id       BIGINT NOT NULL REFERENCES api_keys (id) ON DELETE CASCADE,
    assistant_id BIGINT NOT NULL REFERENCES assistants (id) ON DELETE CASCADE,
    PRIMARY KEY (key_id, assistant_id)
);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlTools,
		ddlAssistants,
		ddlAPIKeys,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
