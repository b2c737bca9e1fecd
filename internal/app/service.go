package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"auditdesk/api/internal/export"
	"auditdesk/api/internal/mention"
	"auditdesk/api/internal/rbac"
	"auditdesk/api/internal/search"
	"auditdesk/api/internal/signdoc"
	"auditdesk/api/internal/store"
	"auditdesk/api/internal/tasknum"
)

var reviewStages = []string{
	"First time auditing",
	"First time review",
	"Second time review",
	"Partner review",
}

// StageSigning is the terminal stage; companies reach it only through
// the dedicated send-to-signing transition.
const StageSigning = "Signing"

var auditStages = append(append([]string{}, reviewStages...), StageSigning)

var allowedTaskStatuses = map[string]struct{}{
	"Completed":    {},
	"Needs review": {},
	"In progress":  {},
	"Blocked":      {},
}

var riskFieldLabels = map[string]string{
	"overall_risk_assessed": "Overall risk assessed",
	"fraud_risk_documented": "Fraud risk documented",
	"controls_tested":       "Key controls tested",
	"partner_review_ready":  "Ready for partner review",
}

type dataStore interface {
	Ping(context.Context) error
	ListCompanies(context.Context) ([]store.Company, error)
	GetCompany(context.Context, string) (store.Company, error)
	CountCompanies(context.Context) (int, error)
	InsertCompany(context.Context, store.Company) error
	UpdateCompanyStageLocked(context.Context, string, string, string, time.Time) (store.Company, bool, error)
	UpdateCompanyRiskFieldLocked(context.Context, string, string, string, bool, time.Time) (store.Company, bool, error)
	UpdateCompanyDueDate(context.Context, string, *string) (store.Company, error)
	UpdateSigningDocumentLocked(context.Context, string, string, string, time.Time) (store.Company, bool, error)
	ListTasks(context.Context, string) ([]store.Task, error)
	GetTask(context.Context, string, string) (store.Task, error)
	InsertTask(context.Context, store.Task) error
	TaskCountsByCompany(context.Context) (map[string]int, error)
	UpdateTaskLocked(context.Context, string, string, string, store.TaskPatch, string, time.Time) (store.Task, bool, error)
	GetActiveLock(context.Context, string, time.Time) (*store.Lock, error)
	ClaimLock(context.Context, string, string, string, time.Time, time.Time) (*store.Lock, error)
	RenewLock(context.Context, string, string, time.Time, time.Time) (*store.Lock, error)
	DeleteLock(context.Context, string) error
	DeleteLockHeldBy(context.Context, string, string) error
	ListActiveLocks(context.Context, time.Time) ([]store.Lock, error)
	PruneExpiredLocks(context.Context, time.Time) error
	InsertDiscussion(context.Context, store.Discussion) (store.Discussion, error)
	ListDiscussions(context.Context, string) ([]store.Discussion, error)
	InsertNotifications(context.Context, []store.Notification) error
	ListUnreadNotifications(context.Context, []string) ([]store.Notification, error)
	GetNotification(context.Context, int64) (store.Notification, error)
	MarkNotificationRead(context.Context, int64, time.Time) error
	InsertActivity(context.Context, store.ActivityEvent) error
	ListActivity(context.Context, string, int) ([]store.ActivityEvent, error)
	ListStageActivitySince(context.Context, time.Time) ([]store.ActivityEvent, error)
	UpsertDirectoryActor(context.Context, store.DirectoryActor) error
	ListDirectory(context.Context) ([]store.DirectoryActor, error)
	ResolveDisplayNames(context.Context, []string) (map[string]string, error)
	CountOverdueTasks(context.Context, string) (int, error)
	CountSigningReady(context.Context) (int, error)
	StageDistribution(context.Context) ([]store.StageCount, error)
}

type presenceStore interface {
	Upsert(context.Context, store.Presence) error
	Remove(context.Context, string, string) error
	List(context.Context, string) ([]store.Presence, error)
}

type Service struct {
	store    dataStore
	presence presenceStore
	signdocs *signdoc.Service
	search   *search.Service
	lockTTL  time.Duration
	now      func() time.Time
}

// NewService wires the domain core. signdocs and searcher may be nil
// when those subsystems are not configured.
func NewService(data dataStore, presence presenceStore, signdocs *signdoc.Service, searcher *search.Service, lockTTL time.Duration) *Service {
	return &Service{
		store:    data,
		presence: presence,
		signdocs: signdocs,
		search:   searcher,
		lockTTL:  lockTTL,
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- payload shapes (camelCase at the boundary) ----

type LockPayload struct {
	CompanyID string    `json:"companyId"`
	ActorID   string    `json:"actorId"`
	ActorName string    `json:"actorName"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CompanyPayload struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	Group               string  `json:"group"`
	OrganizationNumber  string  `json:"organizationNumber"`
	OrganizationType    string  `json:"organizationType"`
	ResponsiblePartner  string  `json:"responsiblePartner"`
	AuditStage          string  `json:"auditStage"`
	OverallRiskAssessed *bool   `json:"overallRiskAssessed"`
	FraudRiskDocumented *bool   `json:"fraudRiskDocumented"`
	ControlsTested      *bool   `json:"controlsTested"`
	PartnerReviewReady  *bool   `json:"partnerReviewReady"`
	TaskDueDate         *string `json:"taskDueDate"`
	SigningDocument     *string `json:"signingDocument"`
}

type TaskPayload struct {
	ID             string `json:"id"`
	CompanyID      string `json:"companyId"`
	TaskNumber     string `json:"taskNumber"`
	Task           string `json:"task"`
	Description    string `json:"description"`
	RobotProcessed bool   `json:"robotProcessed"`
	Status         string `json:"status"`
	Comment        string `json:"comment"`
	Evidence       string `json:"evidence"`
	LastUpdated    string `json:"lastUpdated"`
}

type DiscussionPayload struct {
	ID            int64     `json:"id"`
	CompanyID     string    `json:"companyId"`
	TaskID        string    `json:"taskId"`
	AuthorActorID string    `json:"authorActorId"`
	AuthorName    string    `json:"authorName"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"createdAt"`
}

type NotificationPayload struct {
	ID            int64      `json:"id"`
	CompanyID     string     `json:"companyId"`
	CompanyName   string     `json:"companyName"`
	TaskID        string     `json:"taskId"`
	RecipientName string     `json:"recipientName"`
	SenderName    string     `json:"senderName"`
	Type          string     `json:"type"`
	Message       string     `json:"message"`
	IsRead        bool       `json:"isRead"`
	CreatedAt     time.Time  `json:"createdAt"`
	ReadAt        *time.Time `json:"readAt"`
}

type PresencePayload struct {
	CompanyID  string    `json:"companyId"`
	ActorID    string    `json:"actorId"`
	ActorName  string    `json:"actorName"`
	ActorRole  string    `json:"actorRole"`
	ActiveTab  string    `json:"activeTab"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type ActivityPayload struct {
	ID        int64     `json:"id"`
	CompanyID string    `json:"companyId"`
	ActorID   string    `json:"actorId"`
	ActorName string    `json:"actorName"`
	EventType string    `json:"eventType"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type DirectoryPayload struct {
	ActorID     string `json:"actorId"`
	DisplayName string `json:"displayName"`
	NameKey     string `json:"nameKey"`
	Role        string `json:"role"`
}

type OverviewCompany struct {
	CompanyPayload
	TaskCount int          `json:"taskCount"`
	Lock      *LockPayload `json:"lock"`
}

type WorkspacePayload struct {
	Company       CompanyPayload        `json:"company"`
	Tasks         []TaskPayload         `json:"tasks"`
	Lock          *LockPayload          `json:"lock"`
	Activity      []ActivityPayload     `json:"activity"`
	Discussions   []DiscussionPayload   `json:"discussions"`
	Presence      []PresencePayload     `json:"presence"`
	Notifications []NotificationPayload `json:"notifications"`
	Directory     []DirectoryPayload    `json:"directory"`
}

type StageCountPayload struct {
	Stage string `json:"stage"`
	Count int    `json:"count"`
}

type TimelinePoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type DashboardPayload struct {
	LockedCompanies   []LockPayload       `json:"lockedCompanies"`
	OverdueTasks      int                 `json:"overdueTasks"`
	SigningReadyCount int                 `json:"signingReadyCount"`
	StageDistribution []StageCountPayload `json:"stageDistribution"`
	Timeline          []TimelinePoint     `json:"timeline"`
}

type VersionPayload struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

func toLockPayload(lock *store.Lock) *LockPayload {
	if lock == nil {
		return nil
	}
	return &LockPayload{
		CompanyID: lock.CompanyID,
		ActorID:   lock.ActorID,
		ActorName: lock.ActorName,
		ExpiresAt: lock.ExpiresAt,
	}
}

func toCompanyPayload(item store.Company) CompanyPayload {
	return CompanyPayload{
		ID:                  item.ID,
		Name:                item.Name,
		Group:               item.Group,
		OrganizationNumber:  item.OrganizationNumber,
		OrganizationType:    item.OrganizationType,
		ResponsiblePartner:  item.ResponsiblePartner,
		AuditStage:          item.AuditStage,
		OverallRiskAssessed: item.OverallRiskAssessed,
		FraudRiskDocumented: item.FraudRiskDocumented,
		ControlsTested:      item.ControlsTested,
		PartnerReviewReady:  item.PartnerReviewReady,
		TaskDueDate:         item.TaskDueDate,
		SigningDocument:     item.SigningDocument,
	}
}

func toTaskPayload(item store.Task) TaskPayload {
	return TaskPayload{
		ID:             item.ID,
		CompanyID:      item.CompanyID,
		TaskNumber:     item.TaskNumber,
		Task:           item.Task,
		Description:    item.Description,
		RobotProcessed: item.RobotProcessed,
		Status:         item.Status,
		Comment:        item.Comment,
		Evidence:       item.Evidence,
		LastUpdated:    item.LastUpdated,
	}
}

func toDiscussionPayload(item store.Discussion) DiscussionPayload {
	return DiscussionPayload{
		ID:            item.ID,
		CompanyID:     item.CompanyID,
		TaskID:        item.TaskID,
		AuthorActorID: item.AuthorActorID,
		AuthorName:    item.AuthorName,
		Message:       item.Message,
		CreatedAt:     item.CreatedAt,
	}
}

func toNotificationPayload(item store.Notification) NotificationPayload {
	return NotificationPayload{
		ID:            item.ID,
		CompanyID:     item.CompanyID,
		CompanyName:   item.CompanyName,
		TaskID:        item.TaskID,
		RecipientName: item.RecipientName,
		SenderName:    item.SenderName,
		Type:          item.Type,
		Message:       item.Message,
		IsRead:        item.IsRead,
		CreatedAt:     item.CreatedAt,
		ReadAt:        item.ReadAt,
	}
}

func toPresencePayload(item store.Presence) PresencePayload {
	return PresencePayload{
		CompanyID:  item.CompanyID,
		ActorID:    item.ActorID,
		ActorName:  item.ActorName,
		ActorRole:  item.ActorRole,
		ActiveTab:  item.ActiveTab,
		LastSeenAt: item.LastSeenAt,
	}
}

func toActivityPayload(item store.ActivityEvent) ActivityPayload {
	return ActivityPayload{
		ID:        item.ID,
		CompanyID: item.CompanyID,
		ActorID:   item.ActorID,
		ActorName: item.ActorName,
		EventType: item.EventType,
		Message:   item.Message,
		CreatedAt: item.CreatedAt,
	}
}

// ---- locks ----

// ClaimLock acquires the company's exclusive edit lock. A re-claim by
// the current holder acts as a renew.
func (s *Service) ClaimLock(ctx context.Context, companyID, actorID, actorName, actorRole string) (*LockPayload, error) {
	now := s.now()
	s.pruneLocks(ctx, now)

	if _, err := s.store.GetCompany(ctx, companyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Company not found.", nil)
		}
		return nil, err
	}

	lock, err := s.store.ClaimLock(ctx, companyID, actorID, actorName, now.Add(s.lockTTL), now)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		current, lookupErr := s.store.GetActiveLock(ctx, companyID, now)
		if lookupErr != nil {
			log.Printf("locks: read current holder for %s: %v", companyID, lookupErr)
		}
		return nil, domainError(http.StatusLocked, "LOCK_CONFLICT", "Another user is editing this company.",
			map[string]any{"lock": toLockPayload(current)})
	}

	s.upsertDirectory(ctx, actorID, actorName, actorRole)
	return toLockPayload(lock), nil
}

// RenewLock extends the holder's lock by the full TTL.
func (s *Service) RenewLock(ctx context.Context, companyID, actorID string) (*LockPayload, error) {
	now := s.now()
	lock, err := s.store.RenewLock(ctx, companyID, actorID, now.Add(s.lockTTL), now)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, domainError(http.StatusLocked, "NOT_HOLDER", "You no longer hold this lock.", nil)
	}
	return toLockPayload(lock), nil
}

// ReleaseLock drops the holder's lock. Releasing when no live lock
// exists is a successful no-op. The delete itself is scoped to the
// releasing actor so it cannot remove a lock claimed by someone else
// between the holder check and the write.
func (s *Service) ReleaseLock(ctx context.Context, companyID, actorID string) error {
	now := s.now()
	current, err := s.store.GetActiveLock(ctx, companyID, now)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	if current.ActorID != actorID {
		return domainError(http.StatusLocked, "NOT_HOLDER", "Another user holds this lock.",
			map[string]any{"lock": toLockPayload(current)})
	}
	return s.store.DeleteLockHeldBy(ctx, companyID, actorID)
}

// ForceReleaseLock removes any live lock regardless of holder. Only
// managers and partners may use it.
func (s *Service) ForceReleaseLock(ctx context.Context, companyID, actorRole string) error {
	if !rbac.CanForceReleaseLock(rbac.Normalize(actorRole)) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only managers or partners can force release a lock.", nil)
	}
	return s.store.DeleteLock(ctx, companyID)
}

// ---- stage machine ----

// AdvanceStage moves a company one step forward through the review
// stages. Partner review and Signing are excluded: the former requires
// the dedicated signing transition, the latter is terminal.
func (s *Service) AdvanceStage(ctx context.Context, companyID, actorID, actorRole string) (CompanyPayload, error) {
	now := s.now()
	s.pruneLocks(ctx, now)

	lock, err := s.heldLock(ctx, companyID, actorID, now)
	if err != nil {
		return CompanyPayload{}, err
	}
	if lock == nil {
		return CompanyPayload{}, domainError(http.StatusLocked, "LOCK_REQUIRED", "You must hold the editing lock to change the audit stage.", nil)
	}

	company, err := s.store.GetCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CompanyPayload{}, domainError(http.StatusNotFound, "NOT_FOUND", "Company not found.", nil)
		}
		return CompanyPayload{}, err
	}

	if company.AuditStage == StageSigning {
		return CompanyPayload{}, domainError(http.StatusBadRequest, "ALREADY_TERMINAL", "Company is already in Signing.", nil)
	}
	if company.AuditStage == "Partner review" {
		return CompanyPayload{}, domainError(http.StatusBadRequest, "USE_SEND_TO_SIGNING", "Companies in Partner review must be sent to signing explicitly.", nil)
	}

	role := rbac.Normalize(actorRole)
	if role == rbac.RoleAuditor && company.AuditStage != "First time auditing" {
		return CompanyPayload{}, domainError(http.StatusForbidden, "ROLE_NOT_ALLOWED", "Auditors can only move companies out of First time auditing.", nil)
	}

	index := stageIndex(company.AuditStage)
	if index < 0 {
		return CompanyPayload{}, domainError(http.StatusBadRequest, "INVALID_STAGE", "Unknown audit stage.", nil)
	}
	nextStage := auditStages[index+1]

	updated, ok, err := s.store.UpdateCompanyStageLocked(ctx, companyID, actorID, nextStage, now)
	if err != nil {
		return CompanyPayload{}, err
	}
	if !ok {
		return CompanyPayload{}, domainError(http.StatusLocked, "LOCK_REQUIRED", "You must hold the editing lock to change the audit stage.", nil)
	}

	s.logActivity(ctx, companyID, actorID, lock.ActorName, "stage_change",
		fmt.Sprintf("Moved stage from %q to %q.", company.AuditStage, nextStage))
	s.indexCompany(updated)
	return toCompanyPayload(updated), nil
}

// SendToSigning performs the partner-only terminal transition from
// Partner review to Signing.
func (s *Service) SendToSigning(ctx context.Context, companyID, actorID, actorRole string) (CompanyPayload, error) {
	now := s.now()
	s.pruneLocks(ctx, now)

	if !rbac.CanSendToSigning(rbac.Normalize(actorRole)) {
		return CompanyPayload{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only partners can accept a company for signing.", nil)
	}

	lock, err := s.heldLock(ctx, companyID, actorID, now)
	if err != nil {
		return CompanyPayload{}, err
	}
	if lock == nil {
		return CompanyPayload{}, domainError(http.StatusLocked, "LOCK_REQUIRED", "You must hold the editing lock to send a company to signing.", nil)
	}

	company, err := s.store.GetCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CompanyPayload{}, domainError(http.StatusNotFound, "NOT_FOUND", "Company not found.", nil)
		}
		return CompanyPayload{}, err
	}

	if company.AuditStage == StageSigning {
		return CompanyPayload{}, domainError(http.StatusBadRequest, "ALREADY_TERMINAL", "Company is already in Signing.", nil)
	}
	if company.AuditStage != "Partner review" {
		return CompanyPayload{}, domainError(http.StatusBadRequest, "INVALID_STAGE", "Only companies in Partner review can be sent to signing.", nil)
	}

	updated, ok, err := s.store.UpdateCompanyStageLocked(ctx, companyID, actorID, StageSigning, now)
	if err != nil {
		return CompanyPayload{}, err
	}
	if !ok {
		return CompanyPayload{}, domainError(http.StatusLocked, "LOCK_REQUIRED", "You must hold the editing lock to send a company to signing.", nil)
	}

	s.logActivity(ctx, companyID, actorID, lock.ActorName, "stage_signing",
		fmt.Sprintf("Accepted company and sent to %q from %q.", StageSigning, company.AuditStage))
	s.indexCompany(updated)
	return toCompanyPayload(updated), nil
}

// ---- task ledger ----

// UpdateTask applies a partial update to one task, gated by the lock.
// lastUpdated is always stamped with the server date.
func (s *Service) UpdateTask(ctx context.Context, companyID, taskID, actorID string, patch store.TaskPatch) (TaskPayload, *LockPayload, error) {
	now := s.now()
	s.pruneLocks(ctx, now)

	lock, err := s.heldLock(ctx, companyID, actorID, now)
	if err != nil {
		return TaskPayload{}, nil, err
	}
	if lock == nil {
		return TaskPayload{}, nil, domainError(http.StatusLocked, "LOCK_REQUIRED", "You must hold the editing lock to edit tasks.", nil)
	}

	existing, err := s.store.GetTask(ctx, companyID, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskPayload{}, nil, domainError(http.StatusNotFound, "NOT_FOUND", "Task or company not found.", nil)
		}
		return TaskPayload{}, nil, err
	}

	updated, ok, err := s.store.UpdateTaskLocked(ctx, companyID, taskID, actorID, patch, s.today(), now)
	if err != nil {
		return TaskPayload{}, nil, err
	}
	if !ok {
		return TaskPayload{}, nil, domainError(http.StatusLocked, "LOCK_REQUIRED", "You must hold the editing lock to edit tasks.", nil)
	}

	if patch.Status != nil && existing.Status != *patch.Status {
		s.logActivity(ctx, companyID, actorID, lock.ActorName, "task_status",
			fmt.Sprintf("Task %s: status changed from %q to %q.", existing.TaskNumber, existing.Status, *patch.Status))
	}
	if patch.Comment != nil && existing.Comment != *patch.Comment {
		s.logActivity(ctx, companyID, actorID, lock.ActorName, "task_comment",
			fmt.Sprintf("Task %s: comment updated to %q.", existing.TaskNumber, summarize(*patch.Comment, 180)))
	}

	s.indexTask(updated)
	return toTaskPayload(updated), toLockPayload(lock), nil
}

// ---- risk checklist ----

// UpdateRiskChecklist sets one of the four checklist booleans, gated by
// the lock. A change (including answering for the first time) records
// one activity event.
func (s *Service) UpdateRiskChecklist(ctx context.Context, companyID, actorID, field string, value bool) (CompanyPayload, error) {
	label, known := riskFieldLabels[field]
	if !known {
		return CompanyPayload{}, domainError(http.StatusBadRequest, "INVALID_INPUT", "Unknown risk checklist field.", nil)
	}

	now := s.now()
	s.pruneLocks(ctx, now)

	lock, err := s.heldLock(ctx, companyID, actorID, now)
	if err != nil {
		return CompanyPayload{}, err
	}
	if lock == nil {
		return CompanyPayload{}, domainError(http.StatusLocked, "LOCK_REQUIRED", "You must hold the editing lock to update the risk checklist.", nil)
	}

	company, err := s.store.GetCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CompanyPayload{}, domainError(http.StatusNotFound, "NOT_FOUND", "Company not found.", nil)
		}
		return CompanyPayload{}, err
	}
	previous := riskFieldValue(company, field)

	updated, ok, err := s.store.UpdateCompanyRiskFieldLocked(ctx, companyID, actorID, field, value, now)
	if err != nil {
		return CompanyPayload{}, err
	}
	if !ok {
		return CompanyPayload{}, domainError(http.StatusLocked, "LOCK_REQUIRED", "You must hold the editing lock to update the risk checklist.", nil)
	}

	if previous == nil || *previous != value {
		answer := "No"
		if value {
			answer = "Yes"
		}
		s.logActivity(ctx, companyID, actorID, lock.ActorName, "risk_checklist",
			fmt.Sprintf("%s: set to %q.", label, answer))
	}
	return toCompanyPayload(updated), nil
}

func riskFieldValue(company store.Company, field string) *bool {
	switch field {
	case "overall_risk_assessed":
		return company.OverallRiskAssessed
	case "fraud_risk_documented":
		return company.FraudRiskDocumented
	case "controls_tested":
		return company.ControlsTested
	case "partner_review_ready":
		return company.PartnerReviewReady
	default:
		return nil
	}
}

// ---- discussions & mentions ----

// AddTaskDiscussion appends a comment and fans out mention
// notifications. Posting is deliberately not lock-gated.
func (s *Service) AddTaskDiscussion(ctx context.Context, companyID, taskID, actorID, actorName, actorRole, message string) (DiscussionPayload, error) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return DiscussionPayload{}, domainError(http.StatusBadRequest, "INVALID_INPUT", "Message is required.", nil)
	}

	task, err := s.store.GetTask(ctx, companyID, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DiscussionPayload{}, domainError(http.StatusNotFound, "NOT_FOUND", "Task or company not found.", nil)
		}
		return DiscussionPayload{}, err
	}

	authorName := strings.TrimSpace(actorName)
	if authorName == "" {
		authorName = "Unknown user"
	}

	inserted, err := s.store.InsertDiscussion(ctx, store.Discussion{
		CompanyID:     companyID,
		TaskID:        taskID,
		AuthorActorID: actorID,
		AuthorName:    authorName,
		Message:       trimmed,
	})
	if err != nil {
		return DiscussionPayload{}, err
	}

	s.logActivity(ctx, companyID, actorID, authorName, "task_discussion",
		fmt.Sprintf("Task %s: discussion comment added: %q.", task.TaskNumber, summarize(trimmed, 140)))
	s.upsertDirectory(ctx, actorID, authorName, actorRole)
	s.notifyMentions(ctx, companyID, taskID, task.TaskNumber, authorName, trimmed)
	s.indexDiscussion(inserted)

	return toDiscussionPayload(inserted), nil
}

// notifyMentions is a strictly best-effort side effect: failures are
// logged and never fail the comment write.
func (s *Service) notifyMentions(ctx context.Context, companyID, taskID, taskNumber, authorName, message string) {
	keys := mention.ExtractForAuthor(message, authorName)
	if len(keys) == 0 {
		return
	}

	names, err := s.store.ResolveDisplayNames(ctx, keys)
	if err != nil {
		log.Printf("discussions: resolve mention names: %v", err)
		names = map[string]string{}
	}

	summary := summarize(message, 140)
	items := make([]store.Notification, 0, len(keys))
	for _, key := range keys {
		recipient := names[key]
		if recipient == "" {
			recipient = key
		}
		items = append(items, store.Notification{
			CompanyID:        companyID,
			TaskID:           taskID,
			RecipientName:    recipient,
			RecipientNameKey: key,
			SenderName:       authorName,
			Type:             "mention",
			Message:          fmt.Sprintf("You were mentioned on task %s: %q", taskNumber, summary),
		})
	}
	if err := s.store.InsertNotifications(ctx, items); err != nil {
		log.Printf("discussions: notification fan-out: %v", err)
	}
}

// ---- presence ----

// PresencePing upserts the heartbeat and returns the live presence list
// for the company.
func (s *Service) PresencePing(ctx context.Context, companyID, actorID, actorName, actorRole, activeTab string) ([]PresencePayload, error) {
	if activeTab == "" {
		activeTab = "audit_tasks"
	}
	role := string(rbac.Normalize(actorRole))
	err := s.presence.Upsert(ctx, store.Presence{
		CompanyID:  companyID,
		ActorID:    actorID,
		ActorName:  actorName,
		ActorRole:  role,
		ActiveTab:  activeTab,
		LastSeenAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.upsertDirectory(ctx, actorID, actorName, actorRole)
	return s.presenceList(ctx, companyID)
}

// PresenceLeave removes the heartbeat on explicit tab close.
func (s *Service) PresenceLeave(ctx context.Context, companyID, actorID string) error {
	return s.presence.Remove(ctx, companyID, actorID)
}

func (s *Service) presenceList(ctx context.Context, companyID string) ([]PresencePayload, error) {
	items, err := s.presence.List(ctx, companyID)
	if err != nil {
		return nil, err
	}
	payloads := make([]PresencePayload, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, toPresencePayload(item))
	}
	return payloads, nil
}

// ---- notifications ----

func (s *Service) NotificationsForViewer(ctx context.Context, viewerName string) ([]NotificationPayload, error) {
	keys := mention.ViewerNameKeys(viewerName)
	if len(keys) == 0 {
		return nil, domainError(http.StatusBadRequest, "INVALID_INPUT", "viewerName is required.", nil)
	}
	items, err := s.store.ListUnreadNotifications(ctx, keys)
	if err != nil {
		return nil, err
	}
	payloads := make([]NotificationPayload, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, toNotificationPayload(item))
	}
	return payloads, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, notificationID int64, viewerName string) error {
	item, err := s.store.GetNotification(ctx, notificationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Notification not found.", nil)
		}
		return err
	}
	if !mention.MatchesViewer(item.RecipientNameKey, viewerName) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Notification belongs to another user.", nil)
	}
	return s.store.MarkNotificationRead(ctx, notificationID, s.now())
}

// ---- due date ----

// UpdateCompanyDueDate is a manager/partner operation and is not
// lock-gated.
func (s *Service) UpdateCompanyDueDate(ctx context.Context, companyID string, dueDate *string, actorRole, actorID, actorName string) (CompanyPayload, error) {
	if !rbac.CanSetDueDate(rbac.Normalize(actorRole)) {
		return CompanyPayload{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only managers or partners can set the company due date.", nil)
	}

	updated, err := s.store.UpdateCompanyDueDate(ctx, companyID, dueDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CompanyPayload{}, domainError(http.StatusNotFound, "NOT_FOUND", "Company not found.", nil)
		}
		return CompanyPayload{}, err
	}

	if actorID == "" {
		actorID = "unknown"
	}
	if strings.TrimSpace(actorName) == "" {
		actorName = "Unknown user"
	}
	message := "Cleared company due date."
	if dueDate != nil && *dueDate != "" {
		message = fmt.Sprintf("Set company due date to %s.", *dueDate)
	}
	s.logActivity(ctx, companyID, actorID, actorName, "company_due_date", message)
	return toCompanyPayload(updated), nil
}

// ---- signing document ----

// UpdateSigningDocument saves the signing document blob. Partner role
// and a live lock held by the caller are both required.
func (s *Service) UpdateSigningDocument(ctx context.Context, companyID, actorID, actorRole, content string) (CompanyPayload, error) {
	if !rbac.CanEditSigningDocument(rbac.Normalize(actorRole)) {
		return CompanyPayload{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only partners can edit the signing document.", nil)
	}

	now := s.now()
	s.pruneLocks(ctx, now)

	lock, err := s.heldLock(ctx, companyID, actorID, now)
	if err != nil {
		return CompanyPayload{}, err
	}
	if lock == nil {
		return CompanyPayload{}, domainError(http.StatusLocked, "LOCK_REQUIRED", "You must hold the editing lock to edit the signing document.", nil)
	}

	if _, err := s.store.GetCompany(ctx, companyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CompanyPayload{}, domainError(http.StatusNotFound, "NOT_FOUND", "Company not found.", nil)
		}
		return CompanyPayload{}, err
	}

	updated, ok, err := s.store.UpdateSigningDocumentLocked(ctx, companyID, actorID, content, now)
	if err != nil {
		return CompanyPayload{}, err
	}
	if !ok {
		return CompanyPayload{}, domainError(http.StatusLocked, "LOCK_REQUIRED", "You must hold the editing lock to edit the signing document.", nil)
	}

	if s.signdocs != nil {
		if _, err := s.signdocs.SaveVersion(companyID, content, lock.ActorName); err != nil {
			log.Printf("signdoc: save version for %s: %v", companyID, err)
		}
	}
	s.logActivity(ctx, companyID, actorID, lock.ActorName, "signing_document",
		fmt.Sprintf("Signing document updated: %q.", summarize(content, 140)))
	return toCompanyPayload(updated), nil
}

func (s *Service) SigningDocumentHistory(ctx context.Context, companyID string) ([]VersionPayload, error) {
	if _, err := s.store.GetCompany(ctx, companyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Company not found.", nil)
		}
		return nil, err
	}
	if s.signdocs == nil {
		return []VersionPayload{}, nil
	}
	versions, err := s.signdocs.History(companyID, 50)
	if err != nil {
		return nil, err
	}
	payloads := make([]VersionPayload, 0, len(versions))
	for _, v := range versions {
		payloads = append(payloads, VersionPayload{
			Hash:      v.Hash,
			Message:   strings.TrimSpace(v.Message),
			Author:    v.Author,
			CreatedAt: v.CreatedAt,
		})
	}
	return payloads, nil
}

func (s *Service) SigningDocumentVersion(ctx context.Context, companyID, hash string) (string, error) {
	if _, err := s.store.GetCompany(ctx, companyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domainError(http.StatusNotFound, "NOT_FOUND", "Company not found.", nil)
		}
		return "", err
	}
	if s.signdocs == nil {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Version not found.", nil)
	}
	content, err := s.signdocs.GetVersion(companyID, hash)
	if err != nil {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Version not found.", nil)
	}
	return content, nil
}

// ExportSigningDocument renders the memorandum in the requested format.
func (s *Service) ExportSigningDocument(ctx context.Context, companyID string, format export.Format) (*export.Result, error) {
	company, err := s.store.GetCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Company not found.", nil)
		}
		return nil, err
	}

	content := ""
	if company.SigningDocument != nil {
		content = *company.SigningDocument
	}
	result, err := export.Export(export.Memorandum{
		CompanyName:        company.Name,
		OrganizationNumber: company.OrganizationNumber,
		OrganizationType:   company.OrganizationType,
		ResponsiblePartner: company.ResponsiblePartner,
		AuditStage:         company.AuditStage,
		Content:            content,
		GeneratedAt:        s.now(),
	}, format)
	if err != nil {
		if errors.Is(err, export.ErrUnsupportedFormat) {
			return nil, domainError(http.StatusBadRequest, "INVALID_INPUT", "Unsupported export format.", nil)
		}
		return nil, err
	}
	return result, nil
}

// ---- reads ----

// CompanyOverview lists every company with its task count and live lock.
func (s *Service) CompanyOverview(ctx context.Context) ([]OverviewCompany, error) {
	now := s.now()
	s.pruneLocks(ctx, now)

	companies, err := s.store.ListCompanies(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.TaskCountsByCompany(ctx)
	if err != nil {
		return nil, err
	}
	locks, err := s.store.ListActiveLocks(ctx, now)
	if err != nil {
		return nil, err
	}
	locksByCompany := make(map[string]*store.Lock, len(locks))
	for i := range locks {
		locksByCompany[locks[i].CompanyID] = &locks[i]
	}

	items := make([]OverviewCompany, 0, len(companies))
	for _, company := range companies {
		items = append(items, OverviewCompany{
			CompanyPayload: toCompanyPayload(company),
			TaskCount:      counts[company.ID],
			Lock:           toLockPayload(locksByCompany[company.ID]),
		})
	}
	return items, nil
}

// CompanyWorkspace assembles everything the workspace view needs for
// one company.
func (s *Service) CompanyWorkspace(ctx context.Context, companyID, viewerName string) (WorkspacePayload, error) {
	now := s.now()
	s.pruneLocks(ctx, now)

	company, err := s.store.GetCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkspacePayload{}, domainError(http.StatusNotFound, "NOT_FOUND", "Company not found.", nil)
		}
		return WorkspacePayload{}, err
	}

	tasks, err := s.store.ListTasks(ctx, companyID)
	if err != nil {
		return WorkspacePayload{}, err
	}
	tasknum.SortKeyed(tasks, func(t store.Task) string { return t.TaskNumber })

	lock, err := s.store.GetActiveLock(ctx, companyID, now)
	if err != nil {
		return WorkspacePayload{}, err
	}

	activity, err := s.store.ListActivity(ctx, companyID, 120)
	if err != nil {
		return WorkspacePayload{}, err
	}

	discussions, err := s.store.ListDiscussions(ctx, companyID)
	if err != nil {
		return WorkspacePayload{}, err
	}

	presence, err := s.presenceList(ctx, companyID)
	if err != nil {
		return WorkspacePayload{}, err
	}

	notifications := make([]NotificationPayload, 0)
	if keys := mention.ViewerNameKeys(viewerName); len(keys) > 0 {
		items, err := s.store.ListUnreadNotifications(ctx, keys)
		if err != nil {
			return WorkspacePayload{}, err
		}
		for _, item := range items {
			notifications = append(notifications, toNotificationPayload(item))
		}
	}

	directory, err := s.store.ListDirectory(ctx)
	if err != nil {
		return WorkspacePayload{}, err
	}

	payload := WorkspacePayload{
		Company:       toCompanyPayload(company),
		Tasks:         make([]TaskPayload, 0, len(tasks)),
		Lock:          toLockPayload(lock),
		Activity:      make([]ActivityPayload, 0, len(activity)),
		Discussions:   make([]DiscussionPayload, 0, len(discussions)),
		Presence:      presence,
		Notifications: notifications,
		Directory:     make([]DirectoryPayload, 0, len(directory)),
	}
	for _, task := range tasks {
		payload.Tasks = append(payload.Tasks, toTaskPayload(task))
	}
	for _, event := range activity {
		payload.Activity = append(payload.Activity, toActivityPayload(event))
	}
	for _, comment := range discussions {
		payload.Discussions = append(payload.Discussions, toDiscussionPayload(comment))
	}
	for _, actor := range directory {
		payload.Directory = append(payload.Directory, DirectoryPayload{
			ActorID:     actor.ActorID,
			DisplayName: actor.DisplayName,
			NameKey:     actor.NameKey,
			Role:        actor.Role,
		})
	}
	return payload, nil
}

// DashboardSummary aggregates cross-company progress indicators.
func (s *Service) DashboardSummary(ctx context.Context) (DashboardPayload, error) {
	now := s.now()
	s.pruneLocks(ctx, now)

	locks, err := s.store.ListActiveLocks(ctx, now)
	if err != nil {
		return DashboardPayload{}, err
	}
	overdue, err := s.store.CountOverdueTasks(ctx, s.today())
	if err != nil {
		return DashboardPayload{}, err
	}
	signingReady, err := s.store.CountSigningReady(ctx)
	if err != nil {
		return DashboardPayload{}, err
	}
	distribution, err := s.store.StageDistribution(ctx)
	if err != nil {
		return DashboardPayload{}, err
	}
	events, err := s.store.ListStageActivitySince(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		return DashboardPayload{}, err
	}

	payload := DashboardPayload{
		LockedCompanies:   make([]LockPayload, 0, len(locks)),
		OverdueTasks:      overdue,
		SigningReadyCount: signingReady,
		StageDistribution: make([]StageCountPayload, 0, len(distribution)),
		Timeline:          make([]TimelinePoint, 0),
	}
	for i := range locks {
		payload.LockedCompanies = append(payload.LockedCompanies, *toLockPayload(&locks[i]))
	}
	for _, item := range distribution {
		payload.StageDistribution = append(payload.StageDistribution, StageCountPayload{Stage: item.Stage, Count: item.Count})
	}

	buckets := make(map[string]int)
	for _, event := range events {
		buckets[event.CreatedAt.Format("2006-01-02")]++
	}
	for offset := 29; offset >= 0; offset-- {
		date := now.AddDate(0, 0, -offset).Format("2006-01-02")
		payload.Timeline = append(payload.Timeline, TimelinePoint{Date: date, Count: buckets[date]})
	}
	return payload, nil
}

// Search queries companies, tasks, and discussions.
func (s *Service) Search(q string, limit int, filterType string) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Total: 0, Query: q}
	}
	return s.search.Search(search.Query{
		Text:       q,
		FilterType: search.ResultType(filterType),
		Limit:      limit,
	})
}

// ---- helpers ----

func (s *Service) heldLock(ctx context.Context, companyID, actorID string, now time.Time) (*store.Lock, error) {
	lock, err := s.store.GetActiveLock(ctx, companyID, now)
	if err != nil {
		return nil, err
	}
	if lock == nil || lock.ActorID != actorID {
		return nil, nil
	}
	return lock, nil
}

func (s *Service) pruneLocks(ctx context.Context, now time.Time) {
	if err := s.store.PruneExpiredLocks(ctx, now); err != nil {
		log.Printf("locks: prune expired: %v", err)
	}
}

func (s *Service) logActivity(ctx context.Context, companyID, actorID, actorName, eventType, message string) {
	err := s.store.InsertActivity(ctx, store.ActivityEvent{
		CompanyID: companyID,
		ActorID:   actorID,
		ActorName: actorName,
		EventType: eventType,
		Message:   message,
	})
	if err != nil {
		log.Printf("activity: record %s for %s: %v", eventType, companyID, err)
	}
}

func (s *Service) upsertDirectory(ctx context.Context, actorID, actorName, actorRole string) {
	name := strings.TrimSpace(actorName)
	if actorID == "" || name == "" {
		return
	}
	err := s.store.UpsertDirectoryActor(ctx, store.DirectoryActor{
		ActorID:     actorID,
		DisplayName: name,
		NameKey:     mention.NormalizeNameKey(name),
		Role:        string(rbac.Normalize(actorRole)),
	})
	if err != nil {
		log.Printf("directory: upsert actor %s: %v", actorID, err)
	}
}

func (s *Service) indexCompany(item store.Company) {
	if s.search == nil {
		return
	}
	s.search.IndexCompany(search.CompanyRecord{
		ID:                 item.ID,
		Name:               item.Name,
		Group:              item.Group,
		OrganizationNumber: item.OrganizationNumber,
		ResponsiblePartner: item.ResponsiblePartner,
		AuditStage:         item.AuditStage,
	})
}

func (s *Service) indexTask(item store.Task) {
	if s.search == nil {
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:         item.ID,
		CompanyID:  item.CompanyID,
		TaskNumber: item.TaskNumber,
		Task:       item.Task,
		Comment:    item.Comment,
		Status:     item.Status,
	})
}

func (s *Service) indexDiscussion(item store.Discussion) {
	if s.search == nil {
		return
	}
	s.search.IndexDiscussion(search.DiscussionRecord{
		ID:         fmt.Sprintf("%d", item.ID),
		CompanyID:  item.CompanyID,
		TaskID:     item.TaskID,
		AuthorName: item.AuthorName,
		Message:    item.Message,
	})
}

func (s *Service) today() string {
	return s.now().Format("2006-01-02")
}

func stageIndex(stage string) int {
	for i, candidate := range auditStages {
		if candidate == stage {
			return i
		}
	}
	return -1
}

// summarize collapses whitespace and truncates to limit runes with an
// ellipsis marker, so long free text never floods the activity trail.
func summarize(text string, limit int) string {
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return "(empty)"
	}
	runes := []rune(normalized)
	if len(runes) <= limit {
		return normalized
	}
	return string(runes[:limit-1]) + "..."
}

// ValidTaskStatus reports whether status is one of the closed task
// status values.
func ValidTaskStatus(status string) bool {
	_, ok := allowedTaskStatuses[status]
	return ok
}
