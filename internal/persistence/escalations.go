package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vlad-mantoiu/foundry/internal/failure"
)

var (
	// ErrEscalationNotFound reports a lookup miss.
	ErrEscalationNotFound = errors.New("escalation not found")

	// ErrAlreadyResolved rejects a second resolution: records are
	// immutable once their resolution fields are set.
	ErrAlreadyResolved = errors.New("escalation already resolved")
)

// InsertEscalation persists a new escalation record. It satisfies
// failure.EscalationStore.
func (s *Store) InsertEscalation(ctx context.Context, esc *failure.Escalation) error {
	attempts, err := json.Marshal(esc.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	options, err := json.Marshal(esc.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO escalations
				(id, session_id, signature, category, problem, attempts,
				 recommended_action, options, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, esc.ID, esc.SessionID, esc.Signature, string(esc.Category), esc.Problem,
			string(attempts), esc.RecommendedAction, string(options), esc.Status,
			esc.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert escalation: %w", err)
		}
		return nil
	})
}

// GetEscalation loads one record by id.
func (s *Store) GetEscalation(ctx context.Context, id string) (*failure.Escalation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, signature, category, problem, attempts,
		       recommended_action, options, status, decision, guidance,
		       resolved_at, created_at
		FROM escalations WHERE id = ?;
	`, id)
	return scanEscalation(row)
}

// ListOpenEscalations returns a session's unresolved records, oldest first.
func (s *Store) ListOpenEscalations(ctx context.Context, sessionID string) ([]*failure.Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, signature, category, problem, attempts,
		       recommended_action, options, status, decision, guidance,
		       resolved_at, created_at
		FROM escalations
		WHERE session_id = ? AND status = ?
		ORDER BY created_at ASC;
	`, sessionID, failure.EscalationOpen)
	if err != nil {
		return nil, fmt.Errorf("list open escalations: %w", err)
	}
	defer rows.Close()

	var out []*failure.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, rows.Err()
}

// ResolveEscalation records the founder's decision. The decision must be one
// of the options offered when the record was created; it is validated
// against a schema built from the stored option list. Only the resolution
// fields change, once.
func (s *Store) ResolveEscalation(ctx context.Context, id, decision, guidance string) error {
	esc, err := s.GetEscalation(ctx, id)
	if err != nil {
		return err
	}
	if esc.Status != failure.EscalationOpen {
		return ErrAlreadyResolved
	}

	if err := validateDecision(esc.Options, decision, guidance); err != nil {
		return err
	}

	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE escalations
			SET decision = ?, guidance = ?, resolved_at = ?, status = ?
			WHERE id = ? AND status = ?;
		`, decision, guidance, time.Now().UTC(), failure.EscalationResolved,
			id, failure.EscalationOpen)
		if err != nil {
			return fmt.Errorf("resolve escalation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve escalation rows: %w", err)
		}
		if n == 0 {
			return ErrAlreadyResolved
		}
		return nil
	})
}

// validateDecision checks the resolution payload against a schema whose
// decision enum is the record's own option menu.
func validateDecision(options []string, decision, guidance string) error {
	schemaJSON, err := json.Marshal(map[string]any{
		"type":     "object",
		"required": []string{"decision"},
		"properties": map[string]any{
			"decision": map[string]any{"type": "string", "enum": options},
			"guidance": map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	})
	if err != nil {
		return fmt.Errorf("marshal decision schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fmt.Errorf("unmarshal decision schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision.json", doc); err != nil {
		return fmt.Errorf("add decision schema: %w", err)
	}
	schema, err := c.Compile("decision.json")
	if err != nil {
		return fmt.Errorf("compile decision schema: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"decision": decision, "guidance": guidance})
	if err != nil {
		return fmt.Errorf("marshal decision payload: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("unmarshal decision payload: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return fmt.Errorf("decision %q is not an offered option: %w", decision, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row rowScanner) (*failure.Escalation, error) {
	var (
		esc        failure.Escalation
		category   string
		attempts   string
		options    string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&esc.ID, &esc.SessionID, &esc.Signature, &category,
		&esc.Problem, &attempts, &esc.RecommendedAction, &options,
		&esc.Status, &esc.Decision, &esc.Guidance, &resolvedAt, &esc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscalationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan escalation: %w", err)
	}

	esc.Category = failure.Category(category)
	if resolvedAt.Valid {
		esc.ResolvedAt = resolvedAt.Time
	}
	if err := json.Unmarshal([]byte(attempts), &esc.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &esc.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	return &esc, nil
}
