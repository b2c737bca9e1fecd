package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"auditdesk/api/internal/store"
)

type fakeStore struct {
	getCompanyFn           func(context.Context, string) (store.Company, error)
	listCompaniesFn        func(context.Context) ([]store.Company, error)
	updateStageFn          func(context.Context, string, string, string, time.Time) (store.Company, bool, error)
	updateRiskFn           func(context.Context, string, string, string, bool, time.Time) (store.Company, bool, error)
	updateDueDateFn        func(context.Context, string, *string) (store.Company, error)
	updateSigningDocFn     func(context.Context, string, string, string, time.Time) (store.Company, bool, error)
	getTaskFn              func(context.Context, string, string) (store.Task, error)
	listTasksFn            func(context.Context, string) ([]store.Task, error)
	updateTaskFn           func(context.Context, string, string, string, store.TaskPatch, string, time.Time) (store.Task, bool, error)
	getActiveLockFn        func(context.Context, string, time.Time) (*store.Lock, error)
	claimLockFn            func(context.Context, string, string, string, time.Time, time.Time) (*store.Lock, error)
	renewLockFn            func(context.Context, string, string, time.Time, time.Time) (*store.Lock, error)
	deleteLockFn           func(context.Context, string) error
	deleteLockHeldByFn     func(context.Context, string, string) error
	listActiveLocksFn      func(context.Context, time.Time) ([]store.Lock, error)
	insertDiscussionFn     func(context.Context, store.Discussion) (store.Discussion, error)
	insertNotificationsFn  func(context.Context, []store.Notification) error
	listUnreadFn           func(context.Context, []string) ([]store.Notification, error)
	getNotificationFn      func(context.Context, int64) (store.Notification, error)
	markNotificationReadFn func(context.Context, int64, time.Time) error
	insertActivityFn       func(context.Context, store.ActivityEvent) error
	listActivityFn         func(context.Context, string, int) ([]store.ActivityEvent, error)
	listStageActivityFn    func(context.Context, time.Time) ([]store.ActivityEvent, error)
	upsertDirectoryFn      func(context.Context, store.DirectoryActor) error
	resolveDisplayNamesFn  func(context.Context, []string) (map[string]string, error)
	taskCountsFn           func(context.Context) (map[string]int, error)
	countOverdueFn         func(context.Context, string) (int, error)
	countSigningReadyFn    func(context.Context) (int, error)
	stageDistributionFn    func(context.Context) ([]store.StageCount, error)
	listDiscussionsFn      func(context.Context, string) ([]store.Discussion, error)
	listDirectoryFn        func(context.Context) ([]store.DirectoryActor, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) ListCompanies(ctx context.Context) ([]store.Company, error) {
	if f.listCompaniesFn != nil {
		return f.listCompaniesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) GetCompany(ctx context.Context, companyID string) (store.Company, error) {
	if f.getCompanyFn != nil {
		return f.getCompanyFn(ctx, companyID)
	}
	return store.Company{}, sql.ErrNoRows
}
func (f *fakeStore) CountCompanies(context.Context) (int, error) { return 0, nil }
func (f *fakeStore) InsertCompany(context.Context, store.Company) error { return nil }
func (f *fakeStore) UpdateCompanyStageLocked(ctx context.Context, companyID, actorID, stage string, now time.Time) (store.Company, bool, error) {
	if f.updateStageFn != nil {
		return f.updateStageFn(ctx, companyID, actorID, stage, now)
	}
	return store.Company{}, false, nil
}
func (f *fakeStore) UpdateCompanyRiskFieldLocked(ctx context.Context, companyID, actorID, field string, value bool, now time.Time) (store.Company, bool, error) {
	if f.updateRiskFn != nil {
		return f.updateRiskFn(ctx, companyID, actorID, field, value, now)
	}
	return store.Company{}, false, nil
}
func (f *fakeStore) UpdateCompanyDueDate(ctx context.Context, companyID string, dueDate *string) (store.Company, error) {
	if f.updateDueDateFn != nil {
		return f.updateDueDateFn(ctx, companyID, dueDate)
	}
	return store.Company{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateSigningDocumentLocked(ctx context.Context, companyID, actorID, content string, now time.Time) (store.Company, bool, error) {
	if f.updateSigningDocFn != nil {
		return f.updateSigningDocFn(ctx, companyID, actorID, content, now)
	}
	return store.Company{}, false, nil
}
func (f *fakeStore) ListTasks(ctx context.Context, companyID string) ([]store.Task, error) {
	if f.listTasksFn != nil {
		return f.listTasksFn(ctx, companyID)
	}
	return nil, nil
}
func (f *fakeStore) GetTask(ctx context.Context, companyID, taskID string) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, companyID, taskID)
	}
	return store.Task{}, sql.ErrNoRows
}
func (f *fakeStore) InsertTask(context.Context, store.Task) error { return nil }
func (f *fakeStore) TaskCountsByCompany(ctx context.Context) (map[string]int, error) {
	if f.taskCountsFn != nil {
		return f.taskCountsFn(ctx)
	}
	return map[string]int{}, nil
}
func (f *fakeStore) UpdateTaskLocked(ctx context.Context, companyID, taskID, actorID string, patch store.TaskPatch, today string, now time.Time) (store.Task, bool, error) {
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, companyID, taskID, actorID, patch, today, now)
	}
	return store.Task{}, false, nil
}
func (f *fakeStore) GetActiveLock(ctx context.Context, companyID string, now time.Time) (*store.Lock, error) {
	if f.getActiveLockFn != nil {
		return f.getActiveLockFn(ctx, companyID, now)
	}
	return nil, nil
}
func (f *fakeStore) ClaimLock(ctx context.Context, companyID, actorID, actorName string, expiresAt, now time.Time) (*store.Lock, error) {
	if f.claimLockFn != nil {
		return f.claimLockFn(ctx, companyID, actorID, actorName, expiresAt, now)
	}
	return nil, nil
}
func (f *fakeStore) RenewLock(ctx context.Context, companyID, actorID string, expiresAt, now time.Time) (*store.Lock, error) {
	if f.renewLockFn != nil {
		return f.renewLockFn(ctx, companyID, actorID, expiresAt, now)
	}
	return nil, nil
}
func (f *fakeStore) DeleteLock(ctx context.Context, companyID string) error {
	if f.deleteLockFn != nil {
		return f.deleteLockFn(ctx, companyID)
	}
	return nil
}
func (f *fakeStore) DeleteLockHeldBy(ctx context.Context, companyID, actorID string) error {
	if f.deleteLockHeldByFn != nil {
		return f.deleteLockHeldByFn(ctx, companyID, actorID)
	}
	return nil
}
func (f *fakeStore) ListActiveLocks(ctx context.Context, now time.Time) ([]store.Lock, error) {
	if f.listActiveLocksFn != nil {
		return f.listActiveLocksFn(ctx, now)
	}
	return nil, nil
}
func (f *fakeStore) PruneExpiredLocks(context.Context, time.Time) error { return nil }
func (f *fakeStore) InsertDiscussion(ctx context.Context, item store.Discussion) (store.Discussion, error) {
	if f.insertDiscussionFn != nil {
		return f.insertDiscussionFn(ctx, item)
	}
	item.ID = 1
	return item, nil
}
func (f *fakeStore) ListDiscussions(ctx context.Context, companyID string) ([]store.Discussion, error) {
	if f.listDiscussionsFn != nil {
		return f.listDiscussionsFn(ctx, companyID)
	}
	return nil, nil
}
func (f *fakeStore) InsertNotifications(ctx context.Context, items []store.Notification) error {
	if f.insertNotificationsFn != nil {
		return f.insertNotificationsFn(ctx, items)
	}
	return nil
}
func (f *fakeStore) ListUnreadNotifications(ctx context.Context, keys []string) ([]store.Notification, error) {
	if f.listUnreadFn != nil {
		return f.listUnreadFn(ctx, keys)
	}
	return nil, nil
}
func (f *fakeStore) GetNotification(ctx context.Context, id int64) (store.Notification, error) {
	if f.getNotificationFn != nil {
		return f.getNotificationFn(ctx, id)
	}
	return store.Notification{}, sql.ErrNoRows
}
func (f *fakeStore) MarkNotificationRead(ctx context.Context, id int64, readAt time.Time) error {
	if f.markNotificationReadFn != nil {
		return f.markNotificationReadFn(ctx, id, readAt)
	}
	return nil
}
func (f *fakeStore) InsertActivity(ctx context.Context, event store.ActivityEvent) error {
	if f.insertActivityFn != nil {
		return f.insertActivityFn(ctx, event)
	}
	return nil
}
func (f *fakeStore) ListActivity(ctx context.Context, companyID string, limit int) ([]store.ActivityEvent, error) {
	if f.listActivityFn != nil {
		return f.listActivityFn(ctx, companyID, limit)
	}
	return nil, nil
}
func (f *fakeStore) ListStageActivitySince(ctx context.Context, since time.Time) ([]store.ActivityEvent, error) {
	if f.listStageActivityFn != nil {
		return f.listStageActivityFn(ctx, since)
	}
	return nil, nil
}
func (f *fakeStore) UpsertDirectoryActor(ctx context.Context, actor store.DirectoryActor) error {
	if f.upsertDirectoryFn != nil {
		return f.upsertDirectoryFn(ctx, actor)
	}
	return nil
}
func (f *fakeStore) ListDirectory(ctx context.Context) ([]store.DirectoryActor, error) {
	if f.listDirectoryFn != nil {
		return f.listDirectoryFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) ResolveDisplayNames(ctx context.Context, keys []string) (map[string]string, error) {
	if f.resolveDisplayNamesFn != nil {
		return f.resolveDisplayNamesFn(ctx, keys)
	}
	return map[string]string{}, nil
}
func (f *fakeStore) CountOverdueTasks(ctx context.Context, today string) (int, error) {
	if f.countOverdueFn != nil {
		return f.countOverdueFn(ctx, today)
	}
	return 0, nil
}
func (f *fakeStore) CountSigningReady(ctx context.Context) (int, error) {
	if f.countSigningReadyFn != nil {
		return f.countSigningReadyFn(ctx)
	}
	return 0, nil
}
func (f *fakeStore) StageDistribution(ctx context.Context) ([]store.StageCount, error) {
	if f.stageDistributionFn != nil {
		return f.stageDistributionFn(ctx)
	}
	return nil, nil
}

type fakePresence struct {
	upsertFn func(context.Context, store.Presence) error
	removeFn func(context.Context, string, string) error
	listFn   func(context.Context, string) ([]store.Presence, error)
}

func (f *fakePresence) Upsert(ctx context.Context, item store.Presence) error {
	if f.upsertFn != nil {
		return f.upsertFn(ctx, item)
	}
	return nil
}
func (f *fakePresence) Remove(ctx context.Context, companyID, actorID string) error {
	if f.removeFn != nil {
		return f.removeFn(ctx, companyID, actorID)
	}
	return nil
}
func (f *fakePresence) List(ctx context.Context, companyID string) ([]store.Presence, error) {
	if f.listFn != nil {
		return f.listFn(ctx, companyID)
	}
	return nil, nil
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(data dataStore) *Service {
	service := NewService(data, &fakePresence{}, nil, nil, 10*time.Minute)
	service.now = func() time.Time { return testTime }
	return service
}

func expectDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
	return domainErr
}

func companyAt(stage string) func(context.Context, string) (store.Company, error) {
	return func(context.Context, string) (store.Company, error) {
		return store.Company{ID: "acme-corp", Name: "Acme Corp", AuditStage: stage}, nil
	}
}

func heldBy(actorID, actorName string) func(context.Context, string, time.Time) (*store.Lock, error) {
	return func(ctx context.Context, companyID string, now time.Time) (*store.Lock, error) {
		return &store.Lock{CompanyID: companyID, ActorID: actorID, ActorName: actorName, ExpiresAt: now.Add(time.Minute)}, nil
	}
}

func TestClaimLockUnknownCompany(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, err := service.ClaimLock(context.Background(), "ghost", "u1", "Alex Johnson", "auditor")
	expectDomainError(t, err, 404, "NOT_FOUND")
}

func TestClaimLockConflictReportsHolder(t *testing.T) {
	holder := &store.Lock{CompanyID: "acme-corp", ActorID: "u2", ActorName: "Sofia Berg", ExpiresAt: testTime.Add(5 * time.Minute)}
	data := &fakeStore{
		getCompanyFn: companyAt("First time auditing"),
		claimLockFn: func(context.Context, string, string, string, time.Time, time.Time) (*store.Lock, error) {
			return nil, nil
		},
		getActiveLockFn: func(context.Context, string, time.Time) (*store.Lock, error) {
			return holder, nil
		},
	}
	service := newTestService(data)

	_, err := service.ClaimLock(context.Background(), "acme-corp", "u1", "Alex Johnson", "auditor")
	domainErr := expectDomainError(t, err, 423, "LOCK_CONFLICT")

	details, ok := domainErr.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected details map, got %T", domainErr.Details)
	}
	lock, ok := details["lock"].(*LockPayload)
	if !ok || lock.ActorName != "Sofia Berg" {
		t.Fatalf("expected current holder in details, got %v", details["lock"])
	}
}

func TestClaimLockSuccessRegistersActor(t *testing.T) {
	var registered store.DirectoryActor
	data := &fakeStore{
		getCompanyFn: companyAt("First time auditing"),
		claimLockFn: func(ctx context.Context, companyID, actorID, actorName string, expiresAt, now time.Time) (*store.Lock, error) {
			if !expiresAt.Equal(testTime.Add(10 * time.Minute)) {
				t.Fatalf("expected full TTL expiry, got %v", expiresAt)
			}
			return &store.Lock{CompanyID: companyID, ActorID: actorID, ActorName: actorName, ExpiresAt: expiresAt}, nil
		},
		upsertDirectoryFn: func(ctx context.Context, actor store.DirectoryActor) error {
			registered = actor
			return nil
		},
	}
	service := newTestService(data)

	lock, err := service.ClaimLock(context.Background(), "acme-corp", "u1", "Alex Johnson", "manager")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lock.ActorID != "u1" || lock.ActorName != "Alex Johnson" {
		t.Fatalf("unexpected lock payload: %+v", lock)
	}
	if registered.NameKey != "alex.johnson" || registered.Role != "manager" {
		t.Fatalf("expected directory registration, got %+v", registered)
	}
}

func TestRenewLockNotHolder(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, err := service.RenewLock(context.Background(), "acme-corp", "u1")
	expectDomainError(t, err, 423, "NOT_HOLDER")
}

func TestReleaseLockWithoutLiveLockIsNoop(t *testing.T) {
	deleted := false
	data := &fakeStore{
		deleteLockFn: func(context.Context, string) error {
			deleted = true
			return nil
		},
	}
	service := newTestService(data)
	if err := service.ReleaseLock(context.Background(), "acme-corp", "u1"); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if deleted {
		t.Fatal("release without a live lock must not delete anything")
	}
}

func TestReleaseLockHeldByAnother(t *testing.T) {
	data := &fakeStore{getActiveLockFn: heldBy("u2", "Sofia Berg")}
	service := newTestService(data)
	err := service.ReleaseLock(context.Background(), "acme-corp", "u1")
	expectDomainError(t, err, 423, "NOT_HOLDER")
}

func TestReleaseLockByHolderDeletes(t *testing.T) {
	deleted := ""
	data := &fakeStore{
		getActiveLockFn: heldBy("u1", "Alex Johnson"),
		deleteLockHeldByFn: func(ctx context.Context, companyID, actorID string) error {
			deleted = companyID
			return nil
		},
	}
	service := newTestService(data)
	if err := service.ReleaseLock(context.Background(), "acme-corp", "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != "acme-corp" {
		t.Fatalf("expected lock deleted for acme-corp, got %q", deleted)
	}
}

func TestReleaseLockDeleteScopedToReleasingActor(t *testing.T) {
	// If the holder's lock lapses and a rival claims between the holder
	// check and the write, the release must not take out the rival's
	// fresh lock: the delete filters on the releasing actor and the
	// unconditional delete stays reserved for force release.
	var scopedActor string
	unconditional := false
	data := &fakeStore{
		getActiveLockFn: heldBy("u1", "Alex Johnson"),
		deleteLockHeldByFn: func(ctx context.Context, companyID, actorID string) error {
			scopedActor = actorID
			return nil
		},
		deleteLockFn: func(context.Context, string) error {
			unconditional = true
			return nil
		},
	}
	service := newTestService(data)

	if err := service.ReleaseLock(context.Background(), "acme-corp", "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unconditional {
		t.Fatal("normal release must not delete regardless of holder")
	}
	if scopedActor != "u1" {
		t.Fatalf("expected delete scoped to u1, got %q", scopedActor)
	}
}

func TestForceReleaseLockRoleGate(t *testing.T) {
	service := newTestService(&fakeStore{})
	err := service.ForceReleaseLock(context.Background(), "acme-corp", "auditor")
	expectDomainError(t, err, 403, "FORBIDDEN")

	if err := service.ForceReleaseLock(context.Background(), "acme-corp", "manager"); err != nil {
		t.Fatalf("manager force release failed: %v", err)
	}
	if err := service.ForceReleaseLock(context.Background(), "acme-corp", "partner"); err != nil {
		t.Fatalf("partner force release failed: %v", err)
	}
}

func TestAdvanceStageRequiresLock(t *testing.T) {
	data := &fakeStore{getCompanyFn: companyAt("First time auditing")}
	service := newTestService(data)
	_, err := service.AdvanceStage(context.Background(), "acme-corp", "u1", "manager")
	expectDomainError(t, err, 423, "LOCK_REQUIRED")
}

func TestAdvanceStageExpiredLockCountsAsAbsent(t *testing.T) {
	data := &fakeStore{
		getCompanyFn: companyAt("First time auditing"),
		getActiveLockFn: func(context.Context, string, time.Time) (*store.Lock, error) {
			return nil, nil
		},
	}
	service := newTestService(data)
	_, err := service.AdvanceStage(context.Background(), "acme-corp", "u1", "manager")
	expectDomainError(t, err, 423, "LOCK_REQUIRED")
}

func TestAdvanceStageTerminal(t *testing.T) {
	data := &fakeStore{
		getCompanyFn:    companyAt("Signing"),
		getActiveLockFn: heldBy("u1", "Alex Johnson"),
	}
	service := newTestService(data)
	_, err := service.AdvanceStage(context.Background(), "acme-corp", "u1", "partner")
	expectDomainError(t, err, 400, "ALREADY_TERMINAL")
}

func TestAdvanceStageFromPartnerReviewRejected(t *testing.T) {
	data := &fakeStore{
		getCompanyFn:    companyAt("Partner review"),
		getActiveLockFn: heldBy("u1", "Alex Johnson"),
	}
	service := newTestService(data)
	_, err := service.AdvanceStage(context.Background(), "acme-corp", "u1", "partner")
	expectDomainError(t, err, 400, "USE_SEND_TO_SIGNING")
}

func TestAdvanceStageAuditorRoleGate(t *testing.T) {
	data := &fakeStore{
		getCompanyFn:    companyAt("First time review"),
		getActiveLockFn: heldBy("u1", "Alex Johnson"),
	}
	service := newTestService(data)
	_, err := service.AdvanceStage(context.Background(), "acme-corp", "u1", "auditor")
	expectDomainError(t, err, 403, "ROLE_NOT_ALLOWED")
}

func TestAdvanceStageRecordsActivity(t *testing.T) {
	var recorded store.ActivityEvent
	data := &fakeStore{
		getCompanyFn:    companyAt("First time auditing"),
		getActiveLockFn: heldBy("u1", "Alex Johnson"),
		updateStageFn: func(ctx context.Context, companyID, actorID, stage string, now time.Time) (store.Company, bool, error) {
			return store.Company{ID: companyID, AuditStage: stage}, true, nil
		},
		insertActivityFn: func(ctx context.Context, event store.ActivityEvent) error {
			recorded = event
			return nil
		},
	}
	service := newTestService(data)

	company, err := service.AdvanceStage(context.Background(), "acme-corp", "u1", "auditor")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if company.AuditStage != "First time review" {
		t.Fatalf("expected First time review, got %q", company.AuditStage)
	}
	if recorded.EventType != "stage_change" {
		t.Fatalf("expected stage_change event, got %q", recorded.EventType)
	}
	want := `Moved stage from "First time auditing" to "First time review".`
	if recorded.Message != want {
		t.Fatalf("expected %q, got %q", want, recorded.Message)
	}
}

func TestAdvanceStageLockLostMidWrite(t *testing.T) {
	data := &fakeStore{
		getCompanyFn:    companyAt("Second time review"),
		getActiveLockFn: heldBy("u1", "Alex Johnson"),
		updateStageFn: func(context.Context, string, string, string, time.Time) (store.Company, bool, error) {
			return store.Company{}, false, nil
		},
	}
	service := newTestService(data)
	_, err := service.AdvanceStage(context.Background(), "acme-corp", "u1", "manager")
	expectDomainError(t, err, 423, "LOCK_REQUIRED")
}

func TestSendToSigning(t *testing.T) {
	cases := []struct {
		name       string
		role       string
		lockHeld   bool
		stage      string
		wantCode   string
		wantStatus int
	}{
		{"auditor rejected before lock check", "auditor", false, "Partner review", "FORBIDDEN", 403},
		{"manager rejected", "manager", true, "Partner review", "FORBIDDEN", 403},
		{"partner without lock", "partner", false, "Partner review", "LOCK_REQUIRED", 423},
		{"partner wrong stage", "partner", true, "First time review", "INVALID_STAGE", 400},
		{"partner terminal stage", "partner", true, "Signing", "ALREADY_TERMINAL", 400},
		{"partner success", "partner", true, "Partner review", "", 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var recorded store.ActivityEvent
			data := &fakeStore{
				getCompanyFn: companyAt(tc.stage),
				updateStageFn: func(ctx context.Context, companyID, actorID, stage string, now time.Time) (store.Company, bool, error) {
					return store.Company{ID: companyID, AuditStage: stage}, true, nil
				},
				insertActivityFn: func(ctx context.Context, event store.ActivityEvent) error {
					recorded = event
					return nil
				},
			}
			if tc.lockHeld {
				data.getActiveLockFn = heldBy("u1", "Luca Rossi")
			}
			service := newTestService(data)

			company, err := service.SendToSigning(context.Background(), "acme-corp", "u1", tc.role)
			if tc.wantCode != "" {
				expectDomainError(t, err, tc.wantStatus, tc.wantCode)
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if company.AuditStage != "Signing" {
				t.Fatalf("expected Signing, got %q", company.AuditStage)
			}
			want := `Accepted company and sent to "Signing" from "Partner review".`
			if recorded.Message != want {
				t.Fatalf("expected %q, got %q", want, recorded.Message)
			}
		})
	}
}

func TestUpdateTaskStatusActivity(t *testing.T) {
	var messages []string
	status := "Completed"
	data := &fakeStore{
		getActiveLockFn: heldBy("u1", "Alex Johnson"),
		getTaskFn: func(context.Context, string, string) (store.Task, error) {
			return store.Task{ID: "acme-corp-task-8-1", TaskNumber: "8.1", Status: "In progress", Comment: "old"}, nil
		},
		updateTaskFn: func(ctx context.Context, companyID, taskID, actorID string, patch store.TaskPatch, today string, now time.Time) (store.Task, bool, error) {
			if today != "2026-03-01" {
				t.Fatalf("expected server date stamp, got %q", today)
			}
			return store.Task{ID: taskID, TaskNumber: "8.1", Status: *patch.Status, LastUpdated: today}, true, nil
		},
		insertActivityFn: func(ctx context.Context, event store.ActivityEvent) error {
			messages = append(messages, event.Message)
			return nil
		},
	}
	service := newTestService(data)

	task, lock, err := service.UpdateTask(context.Background(), "acme-corp", "acme-corp-task-8-1", "u1", store.TaskPatch{Status: &status})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status != "Completed" || task.LastUpdated != "2026-03-01" {
		t.Fatalf("unexpected task payload: %+v", task)
	}
	if lock == nil || lock.ActorID != "u1" {
		t.Fatalf("expected holder lock in response, got %+v", lock)
	}
	if len(messages) != 1 || messages[0] != `Task 8.1: status changed from "In progress" to "Completed".` {
		t.Fatalf("unexpected activity messages: %v", messages)
	}
}

func TestUpdateTaskCommentSummarized(t *testing.T) {
	var recorded store.ActivityEvent
	comment := "  " + strings.Repeat("x", 300) + "  "
	data := &fakeStore{
		getActiveLockFn: heldBy("u1", "Alex Johnson"),
		getTaskFn: func(context.Context, string, string) (store.Task, error) {
			return store.Task{TaskNumber: "2", Comment: ""}, nil
		},
		updateTaskFn: func(ctx context.Context, companyID, taskID, actorID string, patch store.TaskPatch, today string, now time.Time) (store.Task, bool, error) {
			return store.Task{TaskNumber: "2", Comment: *patch.Comment}, true, nil
		},
		insertActivityFn: func(ctx context.Context, event store.ActivityEvent) error {
			recorded = event
			return nil
		},
	}
	service := newTestService(data)

	_, _, err := service.UpdateTask(context.Background(), "acme-corp", "t", "u1", store.TaskPatch{Comment: &comment})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `Task 2: comment updated to "` + strings.Repeat("x", 179) + `...".`
	if recorded.Message != want {
		t.Fatalf("unexpected activity message: %q", recorded.Message)
	}
}

func TestUpdateTaskUnknownTask(t *testing.T) {
	data := &fakeStore{getActiveLockFn: heldBy("u1", "Alex Johnson")}
	service := newTestService(data)
	status := "Blocked"
	_, _, err := service.UpdateTask(context.Background(), "acme-corp", "ghost", "u1", store.TaskPatch{Status: &status})
	domainErr := expectDomainError(t, err, 404, "NOT_FOUND")
	if domainErr.Message != "Task or company not found." {
		t.Fatalf("unexpected message: %q", domainErr.Message)
	}
}

func TestUpdateRiskChecklistUnknownField(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, err := service.UpdateRiskChecklist(context.Background(), "acme-corp", "u1", "vibes_checked", true)
	expectDomainError(t, err, 400, "INVALID_INPUT")
}

func TestUpdateRiskChecklistActivityOnChange(t *testing.T) {
	var messages []string
	falseValue := false
	data := &fakeStore{
		getActiveLockFn: heldBy("u1", "Alex Johnson"),
		getCompanyFn: func(context.Context, string) (store.Company, error) {
			return store.Company{ID: "acme-corp", AuditStage: "First time auditing", FraudRiskDocumented: &falseValue}, nil
		},
		updateRiskFn: func(ctx context.Context, companyID, actorID, field string, value bool, now time.Time) (store.Company, bool, error) {
			return store.Company{ID: companyID, FraudRiskDocumented: &value}, true, nil
		},
		insertActivityFn: func(ctx context.Context, event store.ActivityEvent) error {
			messages = append(messages, event.Message)
			return nil
		},
	}
	service := newTestService(data)

	if _, err := service.UpdateRiskChecklist(context.Background(), "acme-corp", "u1", "fraud_risk_documented", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 || messages[0] != `Fraud risk documented: set to "Yes".` {
		t.Fatalf("unexpected messages: %v", messages)
	}

	// Writing the same value again is not a change.
	messages = nil
	if _, err := service.UpdateRiskChecklist(context.Background(), "acme-corp", "u1", "fraud_risk_documented", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected no activity for unchanged value, got %v", messages)
	}
}

func TestUpdateRiskChecklistFirstAnswerIsChange(t *testing.T) {
	var messages []string
	data := &fakeStore{
		getActiveLockFn: heldBy("u1", "Alex Johnson"),
		getCompanyFn:    companyAt("First time auditing"),
		updateRiskFn: func(ctx context.Context, companyID, actorID, field string, value bool, now time.Time) (store.Company, bool, error) {
			return store.Company{ID: companyID, OverallRiskAssessed: &value}, true, nil
		},
		insertActivityFn: func(ctx context.Context, event store.ActivityEvent) error {
			messages = append(messages, event.Message)
			return nil
		},
	}
	service := newTestService(data)

	if _, err := service.UpdateRiskChecklist(context.Background(), "acme-corp", "u1", "overall_risk_assessed", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 1 || messages[0] != `Overall risk assessed: set to "No".` {
		t.Fatalf("unexpected messages: %v", messages)
	}
}

func TestAddTaskDiscussionEmptyMessage(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, err := service.AddTaskDiscussion(context.Background(), "acme-corp", "t", "u1", "Alex Johnson", "auditor", "   ")
	expectDomainError(t, err, 400, "INVALID_INPUT")
}

func TestAddTaskDiscussionMentionFanOut(t *testing.T) {
	var notified []store.Notification
	data := &fakeStore{
		getTaskFn: func(context.Context, string, string) (store.Task, error) {
			return store.Task{ID: "acme-corp-task-1", TaskNumber: "1"}, nil
		},
		resolveDisplayNamesFn: func(ctx context.Context, keys []string) (map[string]string, error) {
			return map[string]string{"sofia.berg": "Sofia Berg"}, nil
		},
		insertNotificationsFn: func(ctx context.Context, items []store.Notification) error {
			notified = items
			return nil
		},
	}
	service := newTestService(data)

	message := "please check @sofia.berg and @nils.unknown and @alex.johnson"
	comment, err := service.AddTaskDiscussion(context.Background(), "acme-corp", "acme-corp-task-1", "u1", "Alex Johnson", "auditor", message)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if comment.AuthorName != "Alex Johnson" {
		t.Fatalf("unexpected author: %q", comment.AuthorName)
	}

	// Author's own mention is excluded.
	if len(notified) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notified))
	}
	if notified[0].RecipientName != "Sofia Berg" || notified[0].RecipientNameKey != "sofia.berg" {
		t.Fatalf("unexpected first recipient: %+v", notified[0])
	}
	// Unresolved mention keeps the raw key as display name.
	if notified[1].RecipientName != "nils.unknown" {
		t.Fatalf("unexpected fallback recipient: %+v", notified[1])
	}
	want := `You were mentioned on task 1: "` + message + `"`
	if notified[0].Message != want {
		t.Fatalf("unexpected notification message: %q", notified[0].Message)
	}
}

func TestAddTaskDiscussionBlankAuthorFallback(t *testing.T) {
	data := &fakeStore{
		getTaskFn: func(context.Context, string, string) (store.Task, error) {
			return store.Task{TaskNumber: "3"}, nil
		},
	}
	service := newTestService(data)

	comment, err := service.AddTaskDiscussion(context.Background(), "acme-corp", "t", "u1", "  ", "auditor", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if comment.AuthorName != "Unknown user" {
		t.Fatalf("expected fallback author, got %q", comment.AuthorName)
	}
}

func TestAddTaskDiscussionNotificationFailureDoesNotFailWrite(t *testing.T) {
	data := &fakeStore{
		getTaskFn: func(context.Context, string, string) (store.Task, error) {
			return store.Task{TaskNumber: "1"}, nil
		},
		insertNotificationsFn: func(context.Context, []store.Notification) error {
			return errors.New("notification table on fire")
		},
	}
	service := newTestService(data)

	_, err := service.AddTaskDiscussion(context.Background(), "acme-corp", "t", "u1", "Alex Johnson", "auditor", "ping @sofia.berg")
	if err != nil {
		t.Fatalf("comment write must survive notification failure, got %v", err)
	}
}

func TestNotificationsForViewerRequiresName(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, err := service.NotificationsForViewer(context.Background(), "   ")
	expectDomainError(t, err, 400, "INVALID_INPUT")
}

func TestMarkNotificationReadOwnership(t *testing.T) {
	marked := false
	data := &fakeStore{
		getNotificationFn: func(context.Context, int64) (store.Notification, error) {
			return store.Notification{ID: 7, RecipientNameKey: "sofia.berg"}, nil
		},
		markNotificationReadFn: func(context.Context, int64, time.Time) error {
			marked = true
			return nil
		},
	}
	service := newTestService(data)

	err := service.MarkNotificationRead(context.Background(), 7, "Alex Johnson")
	expectDomainError(t, err, 403, "FORBIDDEN")
	if marked {
		t.Fatal("foreign notification must not be marked read")
	}

	if err := service.MarkNotificationRead(context.Background(), 7, "Sofia Berg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !marked {
		t.Fatal("expected notification marked read")
	}
}

func TestUpdateCompanyDueDateRoleGate(t *testing.T) {
	service := newTestService(&fakeStore{})
	due := "2026-04-01"
	_, err := service.UpdateCompanyDueDate(context.Background(), "acme-corp", &due, "auditor", "u1", "Alex Johnson")
	expectDomainError(t, err, 403, "FORBIDDEN")
}

func TestUpdateCompanyDueDateActivity(t *testing.T) {
	var recorded store.ActivityEvent
	data := &fakeStore{
		updateDueDateFn: func(ctx context.Context, companyID string, dueDate *string) (store.Company, error) {
			return store.Company{ID: companyID, TaskDueDate: dueDate}, nil
		},
		insertActivityFn: func(ctx context.Context, event store.ActivityEvent) error {
			recorded = event
			return nil
		},
	}
	service := newTestService(data)

	due := "2026-04-01"
	if _, err := service.UpdateCompanyDueDate(context.Background(), "acme-corp", &due, "manager", "u1", "Alex Johnson"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recorded.Message != "Set company due date to 2026-04-01." {
		t.Fatalf("unexpected message: %q", recorded.Message)
	}

	if _, err := service.UpdateCompanyDueDate(context.Background(), "acme-corp", nil, "partner", "u1", "Alex Johnson"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recorded.Message != "Cleared company due date." {
		t.Fatalf("unexpected message: %q", recorded.Message)
	}
}

func TestUpdateSigningDocumentPartnerOnly(t *testing.T) {
	service := newTestService(&fakeStore{})
	_, err := service.UpdateSigningDocument(context.Background(), "acme-corp", "u1", "manager", "<p>draft</p>")
	expectDomainError(t, err, 403, "FORBIDDEN")
}

func TestUpdateSigningDocumentRequiresLock(t *testing.T) {
	data := &fakeStore{getCompanyFn: companyAt("Partner review")}
	service := newTestService(data)
	_, err := service.UpdateSigningDocument(context.Background(), "acme-corp", "u1", "partner", "<p>draft</p>")
	expectDomainError(t, err, 423, "LOCK_REQUIRED")
}

func TestCompanyWorkspaceSortsTasksNumerically(t *testing.T) {
	data := &fakeStore{
		getCompanyFn: companyAt("First time auditing"),
		listTasksFn: func(context.Context, string) ([]store.Task, error) {
			return []store.Task{
				{TaskNumber: "10"}, {TaskNumber: "1.1"}, {TaskNumber: "2"},
				{TaskNumber: "8.2"}, {TaskNumber: "1"}, {TaskNumber: "8.1"},
			}, nil
		},
	}
	service := newTestService(data)

	workspace, err := service.CompanyWorkspace(context.Background(), "acme-corp", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := make([]string, 0, len(workspace.Tasks))
	for _, task := range workspace.Tasks {
		got = append(got, task.TaskNumber)
	}
	want := []string{"1", "1.1", "2", "8.1", "8.2", "10"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDashboardTimelineBuckets(t *testing.T) {
	data := &fakeStore{
		listStageActivityFn: func(context.Context, time.Time) ([]store.ActivityEvent, error) {
			return []store.ActivityEvent{
				{EventType: "stage_change", CreatedAt: testTime.AddDate(0, 0, -1)},
				{EventType: "stage_signing", CreatedAt: testTime.AddDate(0, 0, -1)},
				{EventType: "stage_change", CreatedAt: testTime},
			}, nil
		},
	}
	service := newTestService(data)

	dashboard, err := service.DashboardSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dashboard.Timeline) != 30 {
		t.Fatalf("expected 30 timeline points, got %d", len(dashboard.Timeline))
	}
	last := dashboard.Timeline[29]
	if last.Date != "2026-03-01" || last.Count != 1 {
		t.Fatalf("unexpected last point: %+v", last)
	}
	if dashboard.Timeline[28].Count != 2 {
		t.Fatalf("expected 2 events yesterday, got %d", dashboard.Timeline[28].Count)
	}
	if dashboard.Timeline[0].Count != 0 {
		t.Fatalf("expected empty oldest bucket, got %d", dashboard.Timeline[0].Count)
	}
}

// memLockStore layers stateful lock semantics over the fake so the full
// claim, contention, release, re-claim sequence can run end to end.
type memLockStore struct {
	fakeStore
	mu   sync.Mutex
	lock *store.Lock
}

func (m *memLockStore) GetActiveLock(ctx context.Context, companyID string, now time.Time) (*store.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock == nil || !m.lock.ExpiresAt.After(now) {
		return nil, nil
	}
	copied := *m.lock
	return &copied, nil
}

func (m *memLockStore) ClaimLock(ctx context.Context, companyID, actorID, actorName string, expiresAt, now time.Time) (*store.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock != nil && m.lock.ExpiresAt.After(now) && m.lock.ActorID != actorID {
		return nil, nil
	}
	m.lock = &store.Lock{CompanyID: companyID, ActorID: actorID, ActorName: actorName, ExpiresAt: expiresAt}
	copied := *m.lock
	return &copied, nil
}

func (m *memLockStore) DeleteLock(ctx context.Context, companyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lock = nil
	return nil
}

func (m *memLockStore) DeleteLockHeldBy(ctx context.Context, companyID, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock != nil && m.lock.ActorID == actorID {
		m.lock = nil
	}
	return nil
}

func TestLockLifecycle(t *testing.T) {
	data := &memLockStore{}
	data.getCompanyFn = companyAt("First time auditing")
	data.getTaskFn = func(context.Context, string, string) (store.Task, error) {
		return store.Task{TaskNumber: "1", Status: "In progress"}, nil
	}
	data.updateTaskFn = func(ctx context.Context, companyID, taskID, actorID string, patch store.TaskPatch, today string, now time.Time) (store.Task, bool, error) {
		return store.Task{TaskNumber: "1", Status: *patch.Status}, true, nil
	}

	service := newTestService(data)
	ctx := context.Background()

	if _, err := service.ClaimLock(ctx, "acme-corp", "u1", "Alex Johnson", "auditor"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Holder edits succeed, a rival cannot claim or edit.
	status := "Completed"
	if _, _, err := service.UpdateTask(ctx, "acme-corp", "t", "u1", store.TaskPatch{Status: &status}); err != nil {
		t.Fatalf("holder edit failed: %v", err)
	}
	_, err := service.ClaimLock(ctx, "acme-corp", "u2", "Sofia Berg", "manager")
	expectDomainError(t, err, 423, "LOCK_CONFLICT")
	_, _, err = service.UpdateTask(ctx, "acme-corp", "t", "u2", store.TaskPatch{Status: &status})
	expectDomainError(t, err, 423, "LOCK_REQUIRED")

	// Re-claim by the holder renews rather than conflicts.
	if _, err := service.ClaimLock(ctx, "acme-corp", "u1", "Alex Johnson", "auditor"); err != nil {
		t.Fatalf("holder re-claim failed: %v", err)
	}

	if err := service.ReleaseLock(ctx, "acme-corp", "u1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := service.ReleaseLock(ctx, "acme-corp", "u1"); err != nil {
		t.Fatalf("repeat release must be a no-op, got %v", err)
	}

	if _, err := service.ClaimLock(ctx, "acme-corp", "u2", "Sofia Berg", "manager"); err != nil {
		t.Fatalf("claim after release failed: %v", err)
	}
}

func TestLockLifecycleExpiry(t *testing.T) {
	data := &memLockStore{}
	data.getCompanyFn = companyAt("First time auditing")

	service := newTestService(data)
	current := testTime
	service.now = func() time.Time { return current }
	ctx := context.Background()

	if _, err := service.ClaimLock(ctx, "acme-corp", "u1", "Alex Johnson", "auditor"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Past the TTL the stale lock no longer blocks a rival.
	current = testTime.Add(10*time.Minute + time.Second)
	lock, err := service.ClaimLock(ctx, "acme-corp", "u2", "Sofia Berg", "manager")
	if err != nil {
		t.Fatalf("claim over expired lock failed: %v", err)
	}
	if lock.ActorID != "u2" {
		t.Fatalf("expected rival to take over, got %+v", lock)
	}

	// A late release from the previous holder is rejected and leaves
	// the rival's lock intact.
	err = service.ReleaseLock(ctx, "acme-corp", "u1")
	expectDomainError(t, err, 423, "NOT_HOLDER")
	remaining, lookupErr := data.GetActiveLock(ctx, "acme-corp", current)
	if lookupErr != nil {
		t.Fatalf("unexpected error: %v", lookupErr)
	}
	if remaining == nil || remaining.ActorID != "u2" {
		t.Fatalf("expected u2's lock to survive, got %+v", remaining)
	}
}

func TestSummarize(t *testing.T) {
	cases := []struct {
		input string
		limit int
		want  string
	}{
		{"", 10, "(empty)"},
		{"   ", 10, "(empty)"},
		{"short note", 20, "short note"},
		{"line\none\n\ttwo", 20, "line one two"},
		{"abcdefghij", 5, "abcd..."},
	}
	for _, tc := range cases {
		if got := summarize(tc.input, tc.limit); got != tc.want {
			t.Fatalf("summarize(%q, %d) = %q, want %q", tc.input, tc.limit, got, tc.want)
		}
	}
}
