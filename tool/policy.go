package tool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Policy scopes and actions.
const (
	ScopeGlobal = "global"
	ScopeOrg    = "org"

	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// Policy is one tool access rule. Pattern is an exact tool name, a
// "plugin:<id>" group covering every tool a plugin exposes, or "*".
type Policy struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	OrgID     string    `json:"org_id,omitempty"` // empty for global scope
	Pattern   string    `json:"pattern"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

const policySchema = `
CREATE TABLE IF NOT EXISTS tool_policies (
	id         TEXT PRIMARY KEY,
	scope      TEXT NOT NULL DEFAULT 'global',
	org_id     TEXT NOT NULL DEFAULT '',
	pattern    TEXT NOT NULL,
	action     TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// PolicyStore evaluates tool access rules stored in SQLite. With no matching
// rule a tool is allowed; operators add deny rules to carve access down.
type PolicyStore struct {
	db *sql.DB
}

// NewPolicyStore attaches the policy table to an existing database handle.
func NewPolicyStore(db *sql.DB) (*PolicyStore, error) {
	if _, err := db.Exec(policySchema); err != nil {
		return nil, fmt.Errorf("create tool_policies table: %w", err)
	}
	return &PolicyStore{db: db}, nil
}

// Add inserts a rule, assigning an id when absent.
func (p *PolicyStore) Add(ctx context.Context, pol Policy) (Policy, error) {
	if pol.Pattern == "" {
		return Policy{}, fmt.Errorf("policy: pattern is required")
	}
	if pol.Action != ActionAllow && pol.Action != ActionDeny {
		return Policy{}, fmt.Errorf("policy: invalid action %q", pol.Action)
	}
	if pol.Scope == "" {
		pol.Scope = ScopeGlobal
	}
	if pol.Scope != ScopeGlobal && pol.Scope != ScopeOrg {
		return Policy{}, fmt.Errorf("policy: invalid scope %q", pol.Scope)
	}
	if pol.Scope == ScopeOrg && pol.OrgID == "" {
		return Policy{}, fmt.Errorf("policy: org scope requires org_id")
	}
	if pol.ID == "" {
		pol.ID = uuid.New().String()
	}
	pol.CreatedAt = time.Now().UTC()

	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tool_policies (id, scope, org_id, pattern, action, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		pol.ID, pol.Scope, pol.OrgID, pol.Pattern, pol.Action, pol.CreatedAt)
	if err != nil {
		return Policy{}, fmt.Errorf("insert policy: %w", err)
	}
	return pol, nil
}

// Remove deletes a rule by id.
func (p *PolicyStore) Remove(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM tool_policies WHERE id = ?`, id)
	return err
}

// List returns every rule, oldest first.
func (p *PolicyStore) List(ctx context.Context) ([]Policy, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, scope, org_id, pattern, action, created_at FROM tool_policies ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		var pol Policy
		if err := rows.Scan(&pol.ID, &pol.Scope, &pol.OrgID, &pol.Pattern, &pol.Action, &pol.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, pol)
	}
	return out, rows.Err()
}

// Allowed decides whether the org may call the tool. Matching rules are
// ranked by specificity: org scope beats global, and within a scope an exact
// tool name beats a plugin group beats the wildcard. The single most
// specific rule decides; on a specificity tie, deny wins. No matching rule
// means allow. A storage error also allows, so a broken policy table cannot
// take every tool down.
func (p *PolicyStore) Allowed(ctx context.Context, orgID, pluginID, toolName string) (bool, string) {
	policies, err := p.List(ctx)
	if err != nil {
		return true, "policy lookup failed, defaulting to allow"
	}

	best := -1
	decision := true
	var reason string
	for _, pol := range policies {
		if pol.Scope == ScopeOrg && pol.OrgID != orgID {
			continue
		}
		rank, ok := matchRank(pol, pluginID, toolName)
		if !ok {
			continue
		}
		deny := pol.Action == ActionDeny
		if rank > best || (rank == best && deny && decision) {
			best = rank
			decision = !deny
			reason = fmt.Sprintf("%s by %s policy %s", pol.Action, pol.Scope, pol.ID)
		}
	}
	if best < 0 {
		return true, "no matching policy"
	}
	return decision, reason
}

// matchRank scores a rule against a tool. Higher is more specific.
func matchRank(pol Policy, pluginID, toolName string) (int, bool) {
	rank := -1
	switch {
	case pol.Pattern == toolName:
		rank = 2
	case pol.Pattern == "plugin:"+pluginID:
		rank = 1
	case pol.Pattern == "*":
		rank = 0
	case strings.HasSuffix(pol.Pattern, "*") && strings.HasPrefix(toolName, strings.TrimSuffix(pol.Pattern, "*")):
		rank = 1
	default:
		return 0, false
	}
	if pol.Scope == ScopeOrg {
		rank += 3
	}
	return rank, true
}
