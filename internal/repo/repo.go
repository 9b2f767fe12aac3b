package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"buildtuner/internal/domain"
	"buildtuner/internal/store"
)

// Repo is the SQLite ExperimentStore.
type Repo struct {
	DB *sql.DB
}

var _ store.ExperimentStore = Repo{}

// ErrNotFound aliases the store sentinel so callers can match either.
var ErrNotFound = store.ErrNotFound

const experimentColumns = `id,repository,task,selection_method,max_iterations,status,rl_action_json,best_action_json,reward,metrics_json,workflow_run_id,final_message,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (domain.Experiment, error) {
	var exp domain.Experiment
	var status string
	var rlAction, bestAction, metrics, runID, finalMsg sql.NullString
	var reward sql.NullFloat64
	var createdAt, updatedAt int64
	err := row.Scan(&exp.ID, &exp.Repository, &exp.Task, &exp.SelectionMethod, &exp.MaxIterations, &status,
		&rlAction, &bestAction, &reward, &metrics, &runID, &finalMsg, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return exp, ErrNotFound
	}
	if err != nil {
		return exp, err
	}
	exp.Status = domain.Status(status)
	if exp.RLAction, err = decodeAction(rlAction); err != nil {
		return exp, fmt.Errorf("decode rl_action of %s: %w", exp.ID, err)
	}
	if exp.BestAction, err = decodeAction(bestAction); err != nil {
		return exp, fmt.Errorf("decode best_action of %s: %w", exp.ID, err)
	}
	if reward.Valid {
		r := reward.Float64
		exp.Reward = &r
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &exp.Metrics); err != nil {
			return exp, fmt.Errorf("decode metrics of %s: %w", exp.ID, err)
		}
	}
	exp.WorkflowRunID = runID.String
	exp.FinalMessage = finalMsg.String
	exp.CreatedAt = time.UnixMilli(createdAt).UTC()
	exp.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	exp.Variants = []domain.Variant{}
	return exp, nil
}

func (r Repo) Create(ctx context.Context, exp domain.Experiment) error {
	rlAction, err := encodeAction(exp.RLAction)
	if err != nil {
		return err
	}
	bestAction, err := encodeAction(exp.BestAction)
	if err != nil {
		return err
	}
	metrics, err := encodeMetrics(exp.Metrics)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO experiments(`+experimentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		exp.ID, exp.Repository, exp.Task, exp.SelectionMethod, exp.MaxIterations, string(exp.Status),
		rlAction, bestAction, nullableFloat(exp.Reward), metrics, nullable(exp.WorkflowRunID), nullable(exp.FinalMessage),
		exp.CreatedAt.UnixMilli(), exp.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrExists
	}
	return nil
}

func (r Repo) Get(ctx context.Context, id string) (domain.Experiment, error) {
	exp, err := scanExperiment(r.DB.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id=?`, id))
	if err != nil {
		return exp, err
	}
	variants, err := r.variantsFor(ctx, []string{id})
	if err != nil {
		return exp, err
	}
	if vs := variants[id]; vs != nil {
		exp.Variants = vs
	}
	return exp, nil
}

func (r Repo) Update(ctx context.Context, id string, u store.Update, now time.Time) (domain.Status, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var current string
	var hasAction bool
	if err := tx.QueryRowContext(ctx, `SELECT status, rl_action_json IS NOT NULL FROM experiments WHERE id=?`, id).Scan(&current, &hasAction); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	status := domain.Status(current)
	sets := []string{"updated_at=?"}
	args := []any{now.UnixMilli()}
	if u.RLAction != nil && !status.Terminal() {
		v, err := encodeAction(u.RLAction)
		if err != nil {
			return "", err
		}
		sets = append(sets, "rl_action_json=?")
		args = append(args, v)
		hasAction = true
	}
	if u.Status != nil {
		status = domain.ResolveStatus(status, *u.Status, hasAction)
		sets = append(sets, "status=?")
		args = append(args, string(status))
	}
	if u.BestAction != nil {
		v, err := encodeAction(u.BestAction)
		if err != nil {
			return "", err
		}
		sets = append(sets, "best_action_json=?")
		args = append(args, v)
	}
	if u.Reward != nil {
		sets = append(sets, "reward=?")
		args = append(args, *u.Reward)
	}
	if u.Metrics != nil {
		v, err := encodeMetrics(u.Metrics)
		if err != nil {
			return "", err
		}
		sets = append(sets, "metrics_json=?")
		args = append(args, v)
	}
	if u.WorkflowRunID != nil {
		sets = append(sets, "workflow_run_id=?")
		args = append(args, nullable(*u.WorkflowRunID))
	}
	if u.FinalMessage != nil {
		sets = append(sets, "final_message=?")
		args = append(args, nullable(*u.FinalMessage))
	}
	args = append(args, id)
	if _, err := tx.ExecContext(ctx, `UPDATE experiments SET `+strings.Join(sets, ",")+` WHERE id=?`, args...); err != nil {
		return "", fmt.Errorf("update experiment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

func (r Repo) AppendVariant(ctx context.Context, id string, v domain.Variant, best *domain.RLAction, now time.Time) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxIterations, count int
	err = tx.QueryRowContext(ctx, `SELECT e.max_iterations, (SELECT COUNT(*) FROM variants v WHERE v.experiment_id=e.id) FROM experiments e WHERE e.id=?`, id).
		Scan(&maxIterations, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if maxIterations <= 0 {
		maxIterations = domain.DefaultMaxIterations
	}
	if count >= maxIterations {
		return count, store.ErrBudgetExhausted
	}
	action, err := encodeAction(&v.RLAction)
	if err != nil {
		return 0, err
	}
	metrics, err := json.Marshal(v.Metrics)
	if err != nil {
		return 0, fmt.Errorf("marshal variant metrics: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO variants(experiment_id,variant_id,rl_action_json,reward,metrics_json,created_at) VALUES (?,?,?,?,?,?)`,
		id, v.VariantID, action, v.Reward, string(metrics), v.CreatedAt.UnixMilli()); err != nil {
		return 0, fmt.Errorf("insert variant: %w", err)
	}
	if best != nil {
		bestJSON, err := encodeAction(best)
		if err != nil {
			return 0, err
		}
		_, err = tx.ExecContext(ctx, `UPDATE experiments SET best_action_json=?, reward=?, updated_at=? WHERE id=?`, bestJSON, v.Reward, now.UnixMilli(), id)
		if err != nil {
			return 0, fmt.Errorf("update best action: %w", err)
		}
	} else if _, err := tx.ExecContext(ctx, `UPDATE experiments SET updated_at=? WHERE id=?`, now.UnixMilli(), id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count + 1, nil
}

func (r Repo) LatestByStatus(ctx context.Context, status domain.Status) (*domain.Experiment, error) {
	exp, err := scanExperiment(r.DB.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE status=? ORDER BY created_at DESC LIMIT 1`, string(status)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

func (r Repo) List(ctx context.Context) ([]domain.Experiment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+experimentColumns+` FROM experiments ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Experiment
	var ids []string
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
		ids = append(ids, exp.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.Experiment{}, nil
	}
	variants, err := r.variantsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if vs := variants[out[i].ID]; vs != nil {
			out[i].Variants = vs
		}
	}
	return out, nil
}

func (r Repo) ClaimActive(ctx context.Context, id string, now time.Time, window time.Duration) (*domain.Experiment, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var holderID string
	var claimedAt int64
	err = tx.QueryRowContext(ctx, `SELECT experiment_id, claimed_at FROM active_experiment WHERE slot=1`).Scan(&holderID, &claimedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read active experiment: %w", err)
	case holderID != id:
		var holder *domain.Experiment
		exp, err := scanExperiment(tx.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id=?`, holderID))
		if err == nil {
			holder = &exp
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		claimed := time.UnixMilli(claimedAt).UTC()
		if store.HolderBlocks(holder, claimed, now, window) {
			if holder == nil {
				holder = &domain.Experiment{ID: holderID, Status: domain.StatusCreated, CreatedAt: claimed}
			}
			return holder, nil
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO active_experiment(slot,experiment_id,claimed_at) VALUES (1,?,?)
		ON CONFLICT(slot) DO UPDATE SET experiment_id=excluded.experiment_id, claimed_at=excluded.claimed_at`, id, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("claim active experiment: %w", err)
	}
	return nil, tx.Commit()
}

func (r Repo) ReleaseActive(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM active_experiment WHERE slot=1 AND experiment_id=?`, id)
	return err
}

func (r Repo) variantsFor(ctx context.Context, ids []string) (map[string][]domain.Variant, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT experiment_id,variant_id,rl_action_json,reward,metrics_json,created_at FROM variants WHERE experiment_id IN (`+placeholders+`) ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]domain.Variant{}
	for rows.Next() {
		var expID, actionJSON, metricsJSON string
		var v domain.Variant
		var createdAt int64
		if err := rows.Scan(&expID, &v.VariantID, &actionJSON, &v.Reward, &metricsJSON, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(actionJSON), &v.RLAction); err != nil {
			return nil, fmt.Errorf("decode variant action: %w", err)
		}
		if err := json.Unmarshal([]byte(metricsJSON), &v.Metrics); err != nil {
			return nil, fmt.Errorf("decode variant metrics: %w", err)
		}
		v.CreatedAt = time.UnixMilli(createdAt).UTC()
		out[expID] = append(out[expID], v)
	}
	return out, rows.Err()
}

// LatestEvents returns the most recent events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, experimentID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,experiment_id,payload_json FROM events WHERE 1=1`
	var args []any
	if experimentID != "" {
		query += ` AND experiment_id=?`
		args = append(args, experimentID)
	}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts, payload string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.ExperimentID, &payload); err != nil {
			return nil, err
		}
		if e.TS, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse event ts: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeAction(a *domain.RLAction) (any, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}
	return string(b), nil
}

func decodeAction(s sql.NullString) (*domain.RLAction, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var a domain.RLAction
	if err := json.Unmarshal([]byte(s.String), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func encodeMetrics(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
