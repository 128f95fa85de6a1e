// Package store persists proposals, deployments, events, the never-block
// list, daemon state, and the append-only audit trail in a single SQLite
// file. Every entity transition writes its row change and an audit record
// in one transaction, or neither.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"afo/internal/backend"
	"afo/internal/policy"
	"afo/internal/types"
)

// Store wraps the SQLite database. It is safe for concurrent use; writes
// are serialized by a mutex on top of SQLite's own locking so a busy
// correlator can never starve a deployment transition on the driver level.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// Open creates or opens the store at path. Pass ":memory:" for an
// in-memory store (tests). WAL journaling with synchronous=NORMAL survives
// unclean shutdown while keeping commit latency acceptable on the hot
// event path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on"
	if path == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000&_foreign_keys=on"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps the in-memory store coherent and is all a
	// sole-writer service needs.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		rule_json TEXT NOT NULL,
		rendered_json TEXT NOT NULL,
		verdict_json TEXT,
		conflicts_json TEXT,
		explanation TEXT,
		decided_by TEXT,
		correlation_id TEXT,
		created_at DATETIME NOT NULL,
		decided_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_state ON proposals(state);

	CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL UNIQUE REFERENCES proposals(id),
		backend TEXT NOT NULL,
		state TEXT NOT NULL,
		backup_json TEXT,
		delta INTEGER NOT NULL DEFAULT 0,
		applied_at DATETIME NOT NULL,
		heartbeat_deadline DATETIME,
		last_heartbeat_at DATETIME,
		failure_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_deployments_backend_state ON deployments(backend, state);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		source_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		severity INTEGER NOT NULL,
		source_ip TEXT,
		target TEXT,
		observed_at DATETIME NOT NULL,
		raw TEXT,
		causal_tag TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_observed ON events(observed_at);
	CREATE INDEX IF NOT EXISTS idx_events_source_ip ON events(source_ip);

	CREATE TABLE IF NOT EXISTS audit (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		proposal_id TEXT,
		deployment_id TEXT,
		assessment_id TEXT,
		subject TEXT,
		detail TEXT,
		error_kind TEXT,
		correlation_id TEXT,
		operator_flag INTEGER NOT NULL DEFAULT 0,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit(kind);
	CREATE INDEX IF NOT EXISTS idx_audit_at ON audit(at);

	CREATE TABLE IF NOT EXISTS daemon_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS never_block (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		raw TEXT NOT NULL UNIQUE,
		prefix TEXT,
		hostname TEXT,
		iface TEXT,
		source TEXT NOT NULL,
		added_at DATETIME NOT NULL
	);

	-- The audit trail is append-only. The process holds full privileges on
	-- its own file, so enforce immutability with triggers instead of grants.
	CREATE TRIGGER IF NOT EXISTS audit_no_delete
	BEFORE DELETE ON audit
	BEGIN SELECT RAISE(ABORT, 'audit records are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS audit_no_update
	BEFORE UPDATE ON audit
	BEGIN SELECT RAISE(ABORT, 'audit records are append-only'); END;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// PROPOSALS
// =============================================================================

// CreateProposal inserts a proposal and its creation audit record in one
// transaction. CreatedAt is stamped here.
func (s *Store) CreateProposal(ctx context.Context, p *Proposal) error {
	if p.State == "" {
		p.State = ProposalDraft
	}
	p.CreatedAt = time.Now().UTC()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		ruleJSON, err := json.Marshal(p.Rule)
		if err != nil {
			return fmt.Errorf("marshal rule: %w", err)
		}
		renderedJSON, _ := json.Marshal(p.Rendered)
		verdictJSON, _ := json.Marshal(p.Verdict)
		conflictsJSON, _ := json.Marshal(p.Conflicts)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO proposals (id, state, rule_json, rendered_json, verdict_json,
				conflicts_json, explanation, decided_by, correlation_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.State, string(ruleJSON), string(renderedJSON), string(verdictJSON),
			string(conflictsJSON), p.Explanation, p.DecidedBy, p.CorrelationID, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert proposal: %w", err)
		}
		return appendAuditTx(ctx, tx, types.AuditRecord{
			Kind:          types.AuditProposalCreated,
			ProposalID:    p.ID,
			Subject:       p.Rule.Source.String(),
			Detail:        string(p.Rule.Origin),
			CorrelationID: p.CorrelationID,
		})
	})
}

// TransitionProposal moves a proposal to a new state, validating the edge
// and writing the matching audit record in the same transaction.
func (s *Store) TransitionProposal(ctx context.Context, id string, to ProposalState, decidedBy, detail string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var from ProposalState
		err := tx.QueryRowContext(ctx, `SELECT state FROM proposals WHERE id = ?`, id).Scan(&from)
		if err == sql.ErrNoRows {
			return &types.IntegrityError{Entity: "proposal", Message: "no proposal " + id}
		}
		if err != nil {
			return err
		}
		if !allowedTransition(proposalTransitions, from, to) {
			return &types.IntegrityError{
				Entity:  "proposal",
				Message: fmt.Sprintf("illegal transition %s -> %s for %s", from, to, id),
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE proposals SET state = ?, decided_by = ?, decided_at = ? WHERE id = ?`,
			to, decidedBy, time.Now().UTC(), id)
		if err != nil {
			return err
		}
		return appendAuditTx(ctx, tx, types.AuditRecord{
			Kind:       proposalAuditKind(to),
			ProposalID: id,
			Detail:     detail,
		})
	})
}

func proposalAuditKind(to ProposalState) types.AuditKind {
	switch to {
	case ProposalApproved:
		return types.AuditProposalApproved
	case ProposalRejected:
		return types.AuditProposalRejected
	case ProposalSuperseded:
		return types.AuditProposalSuperseded
	default:
		return types.AuditProposalCreated
	}
}

// GetProposal loads one proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state, rule_json, rendered_json, verdict_json, conflicts_json,
			explanation, decided_by, correlation_id, created_at, decided_at
		FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return Proposal{}, &types.IntegrityError{Entity: "proposal", Message: "no proposal " + id}
	}
	return p, err
}

// ListProposals returns proposals in a given state, newest first. Empty
// state means all.
func (s *Store) ListProposals(ctx context.Context, state ProposalState) ([]Proposal, error) {
	query := `
		SELECT id, state, rule_json, rendered_json, verdict_json, conflicts_json,
			explanation, decided_by, correlation_id, created_at, decided_at
		FROM proposals`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanProposal(r rowScanner) (Proposal, error) {
	var (
		p                                                 Proposal
		ruleJSON, renderedJSON, verdictJSON, conflictJSON string
		explanation, decidedBy, correlationID             sql.NullString
		decidedAt                                         sql.NullTime
	)
	err := r.Scan(&p.ID, &p.State, &ruleJSON, &renderedJSON, &verdictJSON, &conflictJSON,
		&explanation, &decidedBy, &correlationID, &p.CreatedAt, &decidedAt)
	if err != nil {
		return Proposal{}, err
	}
	if err := json.Unmarshal([]byte(ruleJSON), &p.Rule); err != nil {
		return Proposal{}, fmt.Errorf("unmarshal rule for %s: %w", p.ID, err)
	}
	json.Unmarshal([]byte(renderedJSON), &p.Rendered)
	if verdictJSON != "" {
		json.Unmarshal([]byte(verdictJSON), &p.Verdict)
	}
	if conflictJSON != "" {
		json.Unmarshal([]byte(conflictJSON), &p.Conflicts)
	}
	p.Explanation = explanation.String
	p.DecidedBy = decidedBy.String
	p.CorrelationID = correlationID.String
	if decidedAt.Valid {
		p.DecidedAt = decidedAt.Time
	}
	return p, nil
}

// =============================================================================
// DEPLOYMENTS
// =============================================================================

// CreateDeployment inserts a deployment in state applying together with its
// audit record. It refuses when another deployment already holds the
// backend's apply slot; the controller serializes, the store enforces.
func (s *Store) CreateDeployment(ctx context.Context, d *Deployment) error {
	if d.State == "" {
		d.State = DeployApplying
	}
	d.AppliedAt = time.Now().UTC()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var active int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM deployments
			WHERE backend = ? AND state IN (?, ?)`,
			d.BackendName, DeployApplying, DeployProbation).Scan(&active)
		if err != nil {
			return err
		}
		if active > 0 {
			return &types.ConcurrencyError{
				Resource: "backend:" + d.BackendName,
				Message:  "another deployment is applying or in probation",
			}
		}
		backupJSON, _ := json.Marshal(d.Backup)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO deployments (id, proposal_id, backend, state, backup_json,
				delta, applied_at, heartbeat_deadline)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.ProposalID, d.BackendName, d.State, string(backupJSON),
			boolInt(d.Delta), d.AppliedAt, nullTime(d.HeartbeatDeadline))
		if err != nil {
			return fmt.Errorf("insert deployment: %w", err)
		}
		return appendAuditTx(ctx, tx, types.AuditRecord{
			Kind:         types.AuditDeployApplied,
			ProposalID:   d.ProposalID,
			DeploymentID: d.ID,
			Detail:       string(d.State),
		})
	})
}

// TransitionDeployment moves a deployment along the state machine and
// writes the matching audit record atomically.
func (s *Store) TransitionDeployment(ctx context.Context, id string, to DeploymentState, failureReason string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var from DeploymentState
		err := tx.QueryRowContext(ctx, `SELECT state FROM deployments WHERE id = ?`, id).Scan(&from)
		if err == sql.ErrNoRows {
			return &types.IntegrityError{Entity: "deployment", Message: "no deployment " + id}
		}
		if err != nil {
			return err
		}
		if !allowedTransition(deploymentTransitions, from, to) {
			return &types.IntegrityError{
				Entity:  "deployment",
				Message: fmt.Sprintf("illegal transition %s -> %s for %s", from, to, id),
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE deployments SET state = ?, failure_reason = ? WHERE id = ?`,
			to, failureReason, id)
		if err != nil {
			return err
		}
		rec := types.AuditRecord{
			Kind:         deploymentAuditKind(to),
			DeploymentID: id,
			Detail:       failureReason,
		}
		if to == DeployFailed {
			rec.OperatorFlag = true
		}
		return appendAuditTx(ctx, tx, rec)
	})
}

func deploymentAuditKind(to DeploymentState) types.AuditKind {
	switch to {
	case DeployCommitted:
		return types.AuditDeployCommitted
	case DeployRolledBack:
		return types.AuditDeployRolledBack
	case DeployFailed:
		return types.AuditDeployFailed
	default:
		return types.AuditDeployApplied
	}
}

// SetDeploymentBackup records the snapshot backing an applying deployment.
// The deployment row is created when the apply slot is claimed; the
// snapshot is taken afterwards, under that exclusivity.
func (s *Store) SetDeploymentBackup(ctx context.Context, id string, ref backend.BackupRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backupJSON, _ := json.Marshal(ref)
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET backup_json = ? WHERE id = ?`, string(backupJSON), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.IntegrityError{Entity: "deployment", Message: "no deployment " + id}
	}
	return nil
}

// TouchHeartbeat records a successful probe.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET last_heartbeat_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.IntegrityError{Entity: "deployment", Message: "no deployment " + id}
	}
	return nil
}

// GetDeployment loads one deployment by id.
func (s *Store) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, backend, state, backup_json, delta, applied_at,
			heartbeat_deadline, last_heartbeat_at, failure_reason
		FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if err == sql.ErrNoRows {
		return Deployment{}, &types.IntegrityError{Entity: "deployment", Message: "no deployment " + id}
	}
	return d, err
}

// ActiveDeployment returns the deployment holding the backend's apply slot,
// if any.
func (s *Store) ActiveDeployment(ctx context.Context, backendName string) (Deployment, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, backend, state, backup_json, delta, applied_at,
			heartbeat_deadline, last_heartbeat_at, failure_reason
		FROM deployments WHERE backend = ? AND state IN (?, ?)`,
		backendName, DeployApplying, DeployProbation)
	d, err := scanDeployment(row)
	if err == sql.ErrNoRows {
		return Deployment{}, false, nil
	}
	if err != nil {
		return Deployment{}, false, err
	}
	return d, true, nil
}

// ListDeployments returns all deployments, newest first.
func (s *Store) ListDeployments(ctx context.Context) ([]Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, backend, state, backup_json, delta, applied_at,
			heartbeat_deadline, last_heartbeat_at, failure_reason
		FROM deployments ORDER BY applied_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeployment(r rowScanner) (Deployment, error) {
	var (
		d                        Deployment
		backupJSON               sql.NullString
		delta                    int
		deadline, lastHB         sql.NullTime
		failureReason            sql.NullString
	)
	err := r.Scan(&d.ID, &d.ProposalID, &d.BackendName, &d.State, &backupJSON,
		&delta, &d.AppliedAt, &deadline, &lastHB, &failureReason)
	if err != nil {
		return Deployment{}, err
	}
	if backupJSON.Valid && backupJSON.String != "" {
		json.Unmarshal([]byte(backupJSON.String), &d.Backup)
	}
	d.Delta = delta != 0
	if deadline.Valid {
		d.HeartbeatDeadline = deadline.Time
	}
	if lastHB.Valid {
		d.LastHeartbeatAt = lastHB.Time
	}
	d.FailureReason = failureReason.String
	return d, nil
}

// LiveRules rebuilds the policy view of the active ruleset from committed
// and in-flight deployments. Rule origins survive this view; importing from
// the backend would flatten them all to imported.
func (s *Store) LiveRules(ctx context.Context, now time.Time) ([]policy.PolicyRule, error) {
	deps, err := s.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}
	var out []policy.PolicyRule
	for _, d := range deps {
		if d.State != DeployCommitted && !d.Active() {
			continue
		}
		prop, err := s.GetProposal(ctx, d.ProposalID)
		if err != nil {
			return nil, err
		}
		if prop.Rule.IsExpired(now) {
			continue
		}
		out = append(out, prop.Rule)
	}
	return out, nil
}

// =============================================================================
// EVENTS
// =============================================================================

// InsertEvents stores a batch of events with one event-observed audit
// record each, all in a single transaction.
func (s *Store) InsertEvents(ctx context.Context, events []types.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO events (id, source_name, kind, severity, source_ip, target,
				observed_at, raw, causal_tag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, ev := range events {
			ip := ""
			if ev.SourceIP.IsValid() {
				ip = ev.SourceIP.String()
			}
			if _, err := stmt.ExecContext(ctx, ev.ID, ev.SourceName, ev.Kind,
				int(ev.Severity), ip, ev.Target, ev.ObservedAt.UTC(), ev.Raw, ev.CausalTag); err != nil {
				return fmt.Errorf("insert event %s: %w", ev.ID, err)
			}
			if err := appendAuditTx(ctx, tx, types.AuditRecord{
				Kind:    types.AuditEventObserved,
				Subject: ip,
				Detail:  string(ev.Kind),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// EventsSince returns up to limit events observed at or after since, oldest
// first. limit <= 0 means no limit.
func (s *Store) EventsSince(ctx context.Context, since time.Time, limit int) ([]types.SecurityEvent, error) {
	query := `
		SELECT id, source_name, kind, severity, source_ip, target, observed_at, raw, causal_tag
		FROM events WHERE observed_at >= ? ORDER BY observed_at ASC`
	args := []any{since.UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SecurityEvent
	for rows.Next() {
		var (
			ev       types.SecurityEvent
			severity int
			ip       sql.NullString
			target   sql.NullString
			raw      sql.NullString
			tag      sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.SourceName, &ev.Kind, &severity, &ip,
			&target, &ev.ObservedAt, &raw, &tag); err != nil {
			return nil, err
		}
		ev.Severity = types.Severity(severity)
		if ip.String != "" {
			if addr, err := netip.ParseAddr(ip.String); err == nil {
				ev.SourceIP = addr
			}
		}
		ev.Target = target.String
		ev.Raw = raw.String
		ev.CausalTag = tag.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT
// =============================================================================

// AppendAudit writes a standalone audit record outside any entity
// transition (gate aborts, breaker trips, config reloads).
func (s *Store) AppendAudit(ctx context.Context, rec types.AuditRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return appendAuditTx(ctx, tx, rec)
	})
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, rec types.AuditRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit (kind, proposal_id, deployment_id, assessment_id, subject,
			detail, error_kind, correlation_id, operator_flag, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Kind, rec.ProposalID, rec.DeploymentID, rec.AssessmentID, rec.Subject,
		rec.Detail, rec.ErrorKind, rec.CorrelationID, boolInt(rec.OperatorFlag), at)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditSince returns up to limit audit records with seq greater than after,
// in sequence order. limit <= 0 means no limit.
func (s *Store) AuditSince(ctx context.Context, after int64, limit int) ([]types.AuditRecord, error) {
	query := `
		SELECT seq, kind, proposal_id, deployment_id, assessment_id, subject,
			detail, error_kind, correlation_id, operator_flag, at
		FROM audit WHERE seq > ? ORDER BY seq ASC`
	args := []any{after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AuditRecord
	for rows.Next() {
		var (
			rec                                   types.AuditRecord
			propID, depID, assessID, subject      sql.NullString
			detail, errorKind, correlationID      sql.NullString
			operatorFlag                          int
		)
		if err := rows.Scan(&rec.Seq, &rec.Kind, &propID, &depID, &assessID, &subject,
			&detail, &errorKind, &correlationID, &operatorFlag, &rec.At); err != nil {
			return nil, err
		}
		rec.ProposalID = propID.String
		rec.DeploymentID = depID.String
		rec.AssessmentID = assessID.String
		rec.Subject = subject.String
		rec.Detail = detail.String
		rec.ErrorKind = errorKind.String
		rec.CorrelationID = correlationID.String
		rec.OperatorFlag = operatorFlag != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// VerifyAudit checks the audit sequence for gaps. A gap means rows were
// removed out of band.
func (s *Store) VerifyAudit(ctx context.Context) error {
	var count, maxSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(seq) FROM audit`).Scan(&count, &maxSeq)
	if err != nil {
		return err
	}
	if count.Int64 != maxSeq.Int64 {
		return &types.IntegrityError{
			Entity:  "audit",
			Message: fmt.Sprintf("sequence gap: %d records, max seq %d", count.Int64, maxSeq.Int64),
		}
	}
	return nil
}

// =============================================================================
// DAEMON STATE
// =============================================================================

// SetStateValue upserts a daemon_state key. Used for source cursors, the
// autonomy level, and breaker state.
func (s *Store) SetStateValue(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daemon_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

// GetStateValue reads a daemon_state key. Missing keys return ("", false).
func (s *Store) GetStateValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM daemon_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// =============================================================================
// NEVER-BLOCK LIST
// =============================================================================

// AddNeverBlock inserts an entry and audits the addition. Duplicate raw
// values are idempotent.
func (s *Store) AddNeverBlock(ctx context.Context, e *types.NeverBlockEntry) error {
	e.AddedAt = time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		prefix := ""
		if e.Prefix.IsValid() {
			prefix = e.Prefix.String()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO never_block (raw, prefix, hostname, iface, source, added_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(raw) DO NOTHING`,
			e.Raw, prefix, e.Hostname, e.Interface, e.Source, e.AddedAt)
		if err != nil {
			return fmt.Errorf("insert never_block: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // already present
		}
		id, _ := res.LastInsertId()
		e.ID = id
		return appendAuditTx(ctx, tx, types.AuditRecord{
			Kind:    types.AuditNeverBlockAdded,
			Subject: e.Raw,
			Detail:  e.Source,
		})
	})
}

// RemoveNeverBlock deletes an entry by its raw form and audits the removal.
func (s *Store) RemoveNeverBlock(ctx context.Context, raw string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM never_block WHERE raw = ?`, raw)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &types.IntegrityError{Entity: "never_block", Message: "no entry " + raw}
		}
		return appendAuditTx(ctx, tx, types.AuditRecord{
			Kind:    types.AuditNeverBlockRemoved,
			Subject: raw,
		})
	})
}

// ListNeverBlock returns all entries.
func (s *Store) ListNeverBlock(ctx context.Context) ([]types.NeverBlockEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, raw, prefix, hostname, iface, source, added_at
		FROM never_block ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.NeverBlockEntry
	for rows.Next() {
		var (
			e                        types.NeverBlockEntry
			prefix, hostname, iface  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Raw, &prefix, &hostname, &iface, &e.Source, &e.AddedAt); err != nil {
			return nil, err
		}
		if prefix.String != "" {
			if p, err := netip.ParsePrefix(prefix.String); err == nil {
				e.Prefix = p
			}
		}
		e.Hostname = hostname.String
		e.Interface = iface.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// RETENTION
// =============================================================================

// RetentionSweep deletes events older than retainDays and proposals and
// deployments that reached a terminal state before the cutoff. Committed
// deployments back the live ruleset view, so they survive the sweep until
// their rule expires. The audit trail is never touched.
func (s *Store) RetentionSweep(ctx context.Context, retainDays int) (int64, error) {
	if retainDays <= 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -retainDays)
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE observed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.ExecContext(ctx, `
			DELETE FROM deployments WHERE state IN (?, ?) AND applied_at < ?`,
			DeployRolledBack, DeployFailed, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		total += n

		rows, err := tx.QueryContext(ctx, `
			SELECT d.id, p.rule_json FROM deployments d
			JOIN proposals p ON p.id = d.proposal_id
			WHERE d.state = ? AND d.applied_at < ?`,
			DeployCommitted, cutoff)
		if err != nil {
			return err
		}
		var stale []string
		for rows.Next() {
			var id, ruleJSON string
			if err := rows.Scan(&id, &ruleJSON); err != nil {
				rows.Close()
				return err
			}
			var rule policy.PolicyRule
			if err := json.Unmarshal([]byte(ruleJSON), &rule); err == nil && rule.IsExpired(now) {
				stale = append(stale, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id); err != nil {
				return err
			}
			total++
		}

		res, err = tx.ExecContext(ctx, `
			DELETE FROM proposals WHERE state IN (?, ?) AND created_at < ?
			AND id NOT IN (SELECT proposal_id FROM deployments)`,
			ProposalRejected, ProposalSuperseded, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		total += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	if total > 0 {
		s.logger.Info("retention sweep removed rows", zap.Int64("rows", total), zap.Time("cutoff", cutoff))
	}
	return total, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
