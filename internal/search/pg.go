package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Searcher over plain ILIKE queries as a fallback
// when Meilisearch is not available.
type PgSearch struct {
	db *sql.DB
}

// NewPgSearch creates a Postgres fallback searcher.
func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

// Search executes a UNION ALL over companies, tasks, and discussions
// with case-insensitive substring matching.
func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := "%" + q.Text + "%"
	args := []any{pattern}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultCompany {
		subQueries = append(subQueries, `
			SELECT 'company'::text AS type, c.id, c.name AS title,
				CONCAT(c.organization_number, ' · ', c.responsible_partner) AS snippet,
				c.id AS company_id
			FROM audit_companies c
			WHERE c.name ILIKE $1 OR c.organization_number ILIKE $1
				OR c.responsible_partner ILIKE $1 OR c.company_group ILIKE $1`)
	}
	if q.FilterType == "" || q.FilterType == ResultTask {
		subQueries = append(subQueries, `
			SELECT 'task'::text AS type, t.id, CONCAT(t.task_number, ' ', t.task) AS title,
				t.comment AS snippet,
				t.company_id
			FROM audit_tasks t
			WHERE t.task ILIKE $1 OR t.comment ILIKE $1 OR t.task_number ILIKE $1`)
	}
	if q.FilterType == "" || q.FilterType == ResultDiscussion {
		subQueries = append(subQueries, `
			SELECT 'discussion'::text AS type, d.id::text, d.author_name AS title,
				d.message AS snippet,
				d.company_id
			FROM audit_task_discussions d
			WHERE d.message ILIKE $1 OR d.author_name ILIKE $1`)
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, company_id
		FROM (%s) sub
		ORDER BY title ASC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.CompanyID); err != nil {
			return nil, 0, fmt.Errorf("search scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]CompanyRecord, []TaskRecord, []DiscussionRecord, error) {
	companyRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, company_group, organization_number, responsible_partner, audit_stage
		FROM audit_companies
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load companies: %w", err)
	}
	defer companyRows.Close()

	companies := make([]CompanyRecord, 0)
	for companyRows.Next() {
		var c CompanyRecord
		if err := companyRows.Scan(&c.ID, &c.Name, &c.Group, &c.OrganizationNumber, &c.ResponsiblePartner, &c.AuditStage); err != nil {
			return nil, nil, nil, fmt.Errorf("scan company: %w", err)
		}
		companies = append(companies, c)
	}
	if err := companyRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate companies: %w", err)
	}

	taskRows, err := p.db.QueryContext(ctx, `
		SELECT id, company_id, task_number, task, comment, status
		FROM audit_tasks
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()

	tasks := make([]TaskRecord, 0)
	for taskRows.Next() {
		var t TaskRecord
		if err := taskRows.Scan(&t.ID, &t.CompanyID, &t.TaskNumber, &t.Task, &t.Comment, &t.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate tasks: %w", err)
	}

	discussionRows, err := p.db.QueryContext(ctx, `
		SELECT id::text, company_id, task_id, author_name, message
		FROM audit_task_discussions
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load discussions: %w", err)
	}
	defer discussionRows.Close()

	discussions := make([]DiscussionRecord, 0)
	for discussionRows.Next() {
		var d DiscussionRecord
		if err := discussionRows.Scan(&d.ID, &d.CompanyID, &d.TaskID, &d.AuthorName, &d.Message); err != nil {
			return nil, nil, nil, fmt.Errorf("scan discussion: %w", err)
		}
		discussions = append(discussions, d)
	}
	if err := discussionRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate discussions: %w", err)
	}

	return companies, tasks, discussions, nil
}
