package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const companyColumns = `
	id, name, company_group, organization_number, organization_type,
	responsible_partner, audit_stage, overall_risk_assessed,
	fraud_risk_documented, controls_tested, partner_review_ready,
	task_due_date, signing_document, created_at, updated_at
`

func scanCompany(row interface{ Scan(...any) error }) (Company, error) {
	var item Company
	err := row.Scan(
		&item.ID, &item.Name, &item.Group, &item.OrganizationNumber,
		&item.OrganizationType, &item.ResponsiblePartner, &item.AuditStage,
		&item.OverallRiskAssessed, &item.FraudRiskDocumented,
		&item.ControlsTested, &item.PartnerReviewReady,
		&item.TaskDueDate, &item.SigningDocument,
		&item.CreatedAt, &item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListCompanies(ctx context.Context) ([]Company, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+companyColumns+`
		FROM audit_companies
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	items := make([]Company, 0)
	for rows.Next() {
		item, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate companies: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, companyID string) (Company, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+companyColumns+`
		FROM audit_companies
		WHERE id=$1
	`, companyID)
	return scanCompany(row)
}

func (s *PostgresStore) CountCompanies(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_companies`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count companies: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertCompany(ctx context.Context, item Company) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_companies (
			id, name, company_group, organization_number, organization_type,
			responsible_partner, audit_stage, task_due_date
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Name, item.Group, item.OrganizationNumber,
		item.OrganizationType, item.ResponsiblePartner, item.AuditStage,
		item.TaskDueDate)
	if err != nil {
		return fmt.Errorf("insert company: %w", err)
	}
	return nil
}

// UpdateCompanyStageLocked advances the stage only while actorID holds a
// live lock on the company; the holder check and the write are a single
// statement so a lock lost mid-request cannot slip through.
func (s *PostgresStore) UpdateCompanyStageLocked(ctx context.Context, companyID, actorID, stage string, now time.Time) (Company, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE audit_companies
		SET audit_stage=$2, updated_at=NOW()
		WHERE id=$1 AND EXISTS (
			SELECT 1 FROM audit_locks
			WHERE company_id=$1 AND actor_id=$3 AND expires_at > $4
		)
		RETURNING `+companyColumns+`
	`, companyID, stage, actorID, now)
	item, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Company{}, false, nil
	}
	if err != nil {
		return Company{}, false, fmt.Errorf("update company stage: %w", err)
	}
	return item, true, nil
}

var riskColumns = map[string]string{
	"overall_risk_assessed": "overall_risk_assessed",
	"fraud_risk_documented": "fraud_risk_documented",
	"controls_tested":       "controls_tested",
	"partner_review_ready":  "partner_review_ready",
}

// UpdateCompanyRiskFieldLocked sets one checklist boolean under the same
// single-statement lock check as stage updates. field must be one of the
// four known checklist keys.
func (s *PostgresStore) UpdateCompanyRiskFieldLocked(ctx context.Context, companyID, actorID, field string, value bool, now time.Time) (Company, bool, error) {
	column, ok := riskColumns[field]
	if !ok {
		return Company{}, false, fmt.Errorf("unknown risk field %q", field)
	}
	query := fmt.Sprintf(`
		UPDATE audit_companies
		SET %s=$2, updated_at=NOW()
		WHERE id=$1 AND EXISTS (
			SELECT 1 FROM audit_locks
			WHERE company_id=$1 AND actor_id=$3 AND expires_at > $4
		)
		RETURNING `+companyColumns, column)
	row := s.db.QueryRowContext(ctx, query, companyID, value, actorID, now)
	item, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Company{}, false, nil
	}
	if err != nil {
		return Company{}, false, fmt.Errorf("update risk field: %w", err)
	}
	return item, true, nil
}

func (s *PostgresStore) UpdateCompanyDueDate(ctx context.Context, companyID string, dueDate *string) (Company, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE audit_companies
		SET task_due_date=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+companyColumns+`
	`, companyID, dueDate)
	item, err := scanCompany(row)
	if err != nil {
		return Company{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateSigningDocumentLocked(ctx context.Context, companyID, actorID, content string, now time.Time) (Company, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE audit_companies
		SET signing_document=$2, updated_at=NOW()
		WHERE id=$1 AND EXISTS (
			SELECT 1 FROM audit_locks
			WHERE company_id=$1 AND actor_id=$3 AND expires_at > $4
		)
		RETURNING `+companyColumns+`
	`, companyID, content, actorID, now)
	item, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Company{}, false, nil
	}
	if err != nil {
		return Company{}, false, fmt.Errorf("update signing document: %w", err)
	}
	return item, true, nil
}

const taskColumns = `
	id, company_id, task_number, task, description, robot_processed,
	status, comment, evidence, last_updated
`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var item Task
	err := row.Scan(
		&item.ID, &item.CompanyID, &item.TaskNumber, &item.Task,
		&item.Description, &item.RobotProcessed, &item.Status,
		&item.Comment, &item.Evidence, &item.LastUpdated,
	)
	return item, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, companyID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM audit_tasks
		WHERE company_id=$1
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, companyID, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM audit_tasks
		WHERE company_id=$1 AND id=$2
	`, companyID, taskID)
	return scanTask(row)
}

func (s *PostgresStore) InsertTask(ctx context.Context, item Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_tasks (
			id, company_id, task_number, task, description,
			robot_processed, status, comment, evidence, last_updated
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.CompanyID, item.TaskNumber, item.Task, item.Description,
		item.RobotProcessed, item.Status, item.Comment, item.Evidence,
		item.LastUpdated)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) TaskCountsByCompany(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT company_id, COUNT(*)
		FROM audit_tasks
		GROUP BY company_id
	`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var companyID string
		var count int
		if err := rows.Scan(&companyID, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[companyID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task counts: %w", err)
	}
	return counts, nil
}

// UpdateTaskLocked applies a partial update while actorID holds a live
// lock on the owning company. Returns updated=false when either the task
// is missing or the lock is not held; callers distinguish the two by
// re-reading the task.
func (s *PostgresStore) UpdateTaskLocked(ctx context.Context, companyID, taskID, actorID string, patch TaskPatch, lastUpdated string, now time.Time) (Task, bool, error) {
	sets := []string{"last_updated=$5"}
	args := []any{companyID, taskID, actorID, now, lastUpdated}
	if patch.Status != nil {
		args = append(args, *patch.Status)
		sets = append(sets, fmt.Sprintf("status=$%d", len(args)))
	}
	if patch.Comment != nil {
		args = append(args, *patch.Comment)
		sets = append(sets, fmt.Sprintf("comment=$%d", len(args)))
	}
	if patch.Evidence != nil {
		args = append(args, *patch.Evidence)
		sets = append(sets, fmt.Sprintf("evidence=$%d", len(args)))
	}

	query := `
		UPDATE audit_tasks
		SET ` + strings.Join(sets, ", ") + `
		WHERE company_id=$1 AND id=$2 AND EXISTS (
			SELECT 1 FROM audit_locks
			WHERE company_id=$1 AND actor_id=$3 AND expires_at > $4
		)
		RETURNING ` + taskColumns
	row := s.db.QueryRowContext(ctx, query, args...)
	item, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, fmt.Errorf("update task: %w", err)
	}
	return item, true, nil
}

func (s *PostgresStore) GetActiveLock(ctx context.Context, companyID string, now time.Time) (*Lock, error) {
	var lock Lock
	err := s.db.QueryRowContext(ctx, `
		SELECT company_id, actor_id, actor_name, expires_at
		FROM audit_locks
		WHERE company_id=$1 AND expires_at > $2
	`, companyID, now).Scan(&lock.CompanyID, &lock.ActorID, &lock.ActorName, &lock.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return &lock, nil
}

// ClaimLock is the first-committer-wins claim: a single upsert that only
// overwrites when the existing row belongs to the same actor or has
// expired. A nil lock with nil error means someone else holds it.
func (s *PostgresStore) ClaimLock(ctx context.Context, companyID, actorID, actorName string, expiresAt, now time.Time) (*Lock, error) {
	var lock Lock
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_locks (company_id, actor_id, actor_name, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (company_id) DO UPDATE
		SET actor_id=EXCLUDED.actor_id, actor_name=EXCLUDED.actor_name, expires_at=EXCLUDED.expires_at
		WHERE audit_locks.actor_id=EXCLUDED.actor_id OR audit_locks.expires_at <= $5
		RETURNING company_id, actor_id, actor_name, expires_at
	`, companyID, actorID, actorName, expiresAt, now).Scan(&lock.CompanyID, &lock.ActorID, &lock.ActorName, &lock.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim lock: %w", err)
	}
	return &lock, nil
}

func (s *PostgresStore) RenewLock(ctx context.Context, companyID, actorID string, expiresAt, now time.Time) (*Lock, error) {
	var lock Lock
	err := s.db.QueryRowContext(ctx, `
		UPDATE audit_locks
		SET expires_at=$3
		WHERE company_id=$1 AND actor_id=$2 AND expires_at > $4
		RETURNING company_id, actor_id, actor_name, expires_at
	`, companyID, actorID, expiresAt, now).Scan(&lock.CompanyID, &lock.ActorID, &lock.ActorName, &lock.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("renew lock: %w", err)
	}
	return &lock, nil
}

// DeleteLock removes the lock row regardless of holder. Reserved for
// force release; the normal release path goes through DeleteLockHeldBy.
func (s *PostgresStore) DeleteLock(ctx context.Context, companyID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_locks WHERE company_id=$1`, companyID); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

// DeleteLockHeldBy removes the lock only if actorID still holds it, so
// a stale release cannot destroy a lock claimed by someone else in the
// meantime.
func (s *PostgresStore) DeleteLockHeldBy(ctx context.Context, companyID, actorID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_locks WHERE company_id=$1 AND actor_id=$2`, companyID, actorID); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveLocks(ctx context.Context, now time.Time) ([]Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT company_id, actor_id, actor_name, expires_at
		FROM audit_locks
		WHERE expires_at > $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	items := make([]Lock, 0)
	for rows.Next() {
		var lock Lock
		if err := rows.Scan(&lock.CompanyID, &lock.ActorID, &lock.ActorName, &lock.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		items = append(items, lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) PruneExpiredLocks(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_locks WHERE expires_at <= $1`, now); err != nil {
		return fmt.Errorf("prune locks: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertDiscussion(ctx context.Context, item Discussion) (Discussion, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_task_discussions (company_id, task_id, author_actor_id, author_name, message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, item.CompanyID, item.TaskID, item.AuthorActorID, item.AuthorName, item.Message).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return Discussion{}, fmt.Errorf("insert discussion: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListDiscussions(ctx context.Context, companyID string) ([]Discussion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, task_id, author_actor_id, author_name, message, created_at
		FROM audit_task_discussions
		WHERE company_id=$1
		ORDER BY created_at ASC, id ASC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list discussions: %w", err)
	}
	defer rows.Close()

	items := make([]Discussion, 0)
	for rows.Next() {
		var item Discussion
		if err := rows.Scan(&item.ID, &item.CompanyID, &item.TaskID, &item.AuthorActorID, &item.AuthorName, &item.Message, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan discussion: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate discussions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertNotifications(ctx context.Context, items []Notification) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notifications tx: %w", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_notifications (
				company_id, task_id, recipient_name, recipient_name_key,
				sender_name, notification_type, message
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.CompanyID, item.TaskID, item.RecipientName, item.RecipientNameKey,
			item.SenderName, item.Type, item.Message); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notifications: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnreadNotifications(ctx context.Context, recipientKeys []string) ([]Notification, error) {
	if len(recipientKeys) == 0 {
		return []Notification{}, nil
	}
	args := make([]any, len(recipientKeys))
	for i, key := range recipientKeys {
		args[i] = key
	}
	query := `
		SELECT n.id, n.company_id, COALESCE(c.name, ''), n.task_id,
			n.recipient_name, n.recipient_name_key, n.sender_name,
			n.notification_type, n.message, n.is_read, n.created_at, n.read_at
		FROM audit_notifications n
		LEFT JOIN audit_companies c ON c.id = n.company_id
		WHERE n.is_read = FALSE AND n.recipient_name_key IN (` + placeholders(len(recipientKeys), 1) + `)
		ORDER BY n.created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.CompanyID, &item.CompanyName, &item.TaskID,
			&item.RecipientName, &item.RecipientNameKey, &item.SenderName,
			&item.Type, &item.Message, &item.IsRead, &item.CreatedAt, &item.ReadAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, notificationID int64) (Notification, error) {
	var item Notification
	err := s.db.QueryRowContext(ctx, `
		SELECT n.id, n.company_id, COALESCE(c.name, ''), n.task_id,
			n.recipient_name, n.recipient_name_key, n.sender_name,
			n.notification_type, n.message, n.is_read, n.created_at, n.read_at
		FROM audit_notifications n
		LEFT JOIN audit_companies c ON c.id = n.company_id
		WHERE n.id=$1
	`, notificationID).Scan(&item.ID, &item.CompanyID, &item.CompanyName, &item.TaskID,
		&item.RecipientName, &item.RecipientNameKey, &item.SenderName,
		&item.Type, &item.Message, &item.IsRead, &item.CreatedAt, &item.ReadAt)
	if err != nil {
		return Notification{}, err
	}
	return item, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_notifications
		SET is_read=TRUE, read_at=$2
		WHERE id=$1
	`, notificationID, now)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertActivity(ctx context.Context, item ActivityEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_activity_events (company_id, actor_id, actor_name, event_type, message)
		VALUES ($1, $2, $3, $4, $5)
	`, item.CompanyID, item.ActorID, item.ActorName, item.EventType, item.Message)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, companyID string, limit int) ([]ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, actor_id, actor_name, event_type, message, created_at
		FROM audit_activity_events
		WHERE company_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()
	return collectActivity(rows)
}

func (s *PostgresStore) ListStageActivitySince(ctx context.Context, since time.Time) ([]ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, actor_id, actor_name, event_type, message, created_at
		FROM audit_activity_events
		WHERE event_type IN ('stage_change', 'stage_signing') AND created_at >= $1
		ORDER BY created_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list stage activity: %w", err)
	}
	defer rows.Close()
	return collectActivity(rows)
}

func collectActivity(rows *sql.Rows) ([]ActivityEvent, error) {
	items := make([]ActivityEvent, 0)
	for rows.Next() {
		var item ActivityEvent
		if err := rows.Scan(&item.ID, &item.CompanyID, &item.ActorID, &item.ActorName, &item.EventType, &item.Message, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertDirectoryActor(ctx context.Context, actor DirectoryActor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_users (actor_id, display_name, name_key, role, last_seen_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (actor_id) DO UPDATE
		SET display_name=EXCLUDED.display_name, name_key=EXCLUDED.name_key,
			role=EXCLUDED.role, last_seen_at=NOW()
	`, actor.ActorID, actor.DisplayName, actor.NameKey, actor.Role)
	if err != nil {
		return fmt.Errorf("upsert directory actor: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDirectory(ctx context.Context) ([]DirectoryActor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_id, display_name, name_key, role, last_seen_at
		FROM audit_users
		ORDER BY display_name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	defer rows.Close()

	items := make([]DirectoryActor, 0)
	for rows.Next() {
		var item DirectoryActor
		if err := rows.Scan(&item.ActorID, &item.DisplayName, &item.NameKey, &item.Role, &item.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan directory actor: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate directory: %w", err)
	}
	return items, nil
}

// ResolveDisplayNames maps name keys to the latest display name seen for
// each key. Unknown keys are simply absent from the result.
func (s *PostgresStore) ResolveDisplayNames(ctx context.Context, nameKeys []string) (map[string]string, error) {
	if len(nameKeys) == 0 {
		return map[string]string{}, nil
	}
	args := make([]any, len(nameKeys))
	for i, key := range nameKeys {
		args[i] = key
	}
	query := `
		SELECT name_key, display_name
		FROM audit_users
		WHERE name_key IN (` + placeholders(len(nameKeys), 1) + `)
		ORDER BY last_seen_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve display names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var key, name string
		if err := rows.Scan(&key, &name); err != nil {
			return nil, fmt.Errorf("scan display name: %w", err)
		}
		names[key] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate display names: %w", err)
	}
	return names, nil
}

func (s *PostgresStore) UpsertPresence(ctx context.Context, item Presence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_presence (company_id, actor_id, actor_name, actor_role, active_tab, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (company_id, actor_id) DO UPDATE
		SET actor_name=EXCLUDED.actor_name, actor_role=EXCLUDED.actor_role,
			active_tab=EXCLUDED.active_tab, last_seen_at=EXCLUDED.last_seen_at
	`, item.CompanyID, item.ActorID, item.ActorName, item.ActorRole, item.ActiveTab, item.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePresence(ctx context.Context, companyID, actorID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_presence WHERE company_id=$1 AND actor_id=$2
	`, companyID, actorID); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

// ListPresence prunes stale rows for the company and returns the live
// ones. staleBefore is now minus the presence window.
func (s *PostgresStore) ListPresence(ctx context.Context, companyID string, staleBefore time.Time) ([]Presence, error) {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_presence WHERE company_id=$1 AND last_seen_at < $2
	`, companyID, staleBefore); err != nil {
		return nil, fmt.Errorf("prune presence: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT company_id, actor_id, actor_name, actor_role, active_tab, last_seen_at
		FROM audit_presence
		WHERE company_id=$1
		ORDER BY actor_name ASC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	items := make([]Presence, 0)
	for rows.Next() {
		var item Presence
		if err := rows.Scan(&item.CompanyID, &item.ActorID, &item.ActorName, &item.ActorRole, &item.ActiveTab, &item.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountOverdueTasks(ctx context.Context, today string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM audit_tasks t
		JOIN audit_companies c ON c.id = t.company_id
		WHERE t.status <> 'Completed'
			AND c.audit_stage <> 'Signing'
			AND c.task_due_date IS NOT NULL
			AND c.task_due_date < $1
	`, today).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count overdue tasks: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountSigningReady(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM audit_companies
		WHERE audit_stage = 'Partner review' AND partner_review_ready = TRUE
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count signing ready: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) StageDistribution(ctx context.Context) ([]StageCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_stage, COUNT(*)
		FROM audit_companies
		GROUP BY audit_stage
	`)
	if err != nil {
		return nil, fmt.Errorf("stage distribution: %w", err)
	}
	defer rows.Close()

	items := make([]StageCount, 0)
	for rows.Next() {
		var item StageCount
		if err := rows.Scan(&item.Stage, &item.Count); err != nil {
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage counts: %w", err)
	}
	return items, nil
}

func placeholders(count, start int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}
