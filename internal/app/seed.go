package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"auditdesk/api/internal/store"
)

var seedTaskNumbers = buildSeedTaskNumbers()

func buildSeedTaskNumbers() []string {
	numbers := make([]string, 0, 43)
	for i := 1; i <= 40; i++ {
		numbers = append(numbers, fmt.Sprintf("%d", i))
		switch i {
		case 1:
			numbers = append(numbers, "1.1")
		case 8:
			numbers = append(numbers, "8.1", "8.2")
		}
	}
	return numbers
}

var (
	seedGroups   = []string{"Group A", "Group B", "Group C", "Group D", "Group E"}
	seedOrgTypes = []string{"Limited Company", "Public Company", "Foundation", "Municipality", "Branch"}
	seedPartners = []string{"Alex Johnson", "Sofia Berg", "Mikkel Hansen", "Emily Carter", "Luca Rossi", "Noah Patel"}

	seedTaskVerbs = []string{"Review", "Assess", "Validate", "Inspect", "Reconcile", "Confirm", "Document", "Test"}
	seedTaskAreas = []string{
		"revenue recognition controls",
		"cash and bank reconciliations",
		"procurement approvals",
		"payroll change management",
		"access management logs",
		"intercompany eliminations",
		"inventory valuation support",
		"financial close checklist",
	}
	seedTaskOutputs = []string{
		"control walkthrough notes",
		"evidence index",
		"exception tracker",
		"supporting schedule",
		"sample test sheet",
		"reconciliation pack",
	}
)

type seedCompany struct {
	id      string
	name    string
	group   string
	orgType string
	partner string
	stage   string
	orgSeq  int
	variant int
}

func seedCompanies() []seedCompany {
	companies := []seedCompany{
		{id: "acme-corp", name: "Acme Corp", group: "Group A", orgType: seedOrgTypes[0], partner: seedPartners[0], stage: auditStages[0], orgSeq: 1, variant: 0},
		{id: "globex-inc", name: "Globex Inc", group: "Group A", orgType: seedOrgTypes[1], partner: seedPartners[1], stage: auditStages[1], orgSeq: 2, variant: 1},
		{id: "initech-ltd", name: "Initech Ltd", group: "Group A", orgType: seedOrgTypes[0], partner: seedPartners[2], stage: auditStages[2], orgSeq: 3, variant: 2},
	}
	for i := 4; i <= 50; i++ {
		groupIdx := (i - 1) / 10
		if groupIdx >= len(seedGroups) {
			groupIdx = len(seedGroups) - 1
		}
		companies = append(companies, seedCompany{
			id:      fmt.Sprintf("company-%02d", i),
			name:    fmt.Sprintf("Company %02d", i),
			group:   seedGroups[groupIdx],
			orgType: seedOrgTypes[(i-1)%len(seedOrgTypes)],
			partner: seedPartners[(i-1)%len(seedPartners)],
			stage:   auditStages[(i-1)%len(auditStages)],
			orgSeq:  i,
			variant: i - 1,
		})
	}
	return companies
}

type seedTaskDef struct {
	task           string
	description    string
	evidence       string
	robotProcessed bool
}

func seedTaskDefinition(taskNumber string, index int) seedTaskDef {
	switch taskNumber {
	case "1":
		return seedTaskDef{
			task:           "Invoice match",
			description:    "Match invoice to PO and goods receipt.",
			evidence:       "3-way match report",
			robotProcessed: true,
		}
	case "1.1":
		return seedTaskDef{
			task:           "Vendor validation",
			description:    "Validate vendor master data completeness.",
			evidence:       "Master data exceptions list",
			robotProcessed: true,
		}
	case "2":
		return seedTaskDef{
			task:           "Journal sampling",
			description:    "Select sample of manual journals for testing.",
			evidence:       "Sampling plan v1",
			robotProcessed: false,
		}
	}
	verb := seedTaskVerbs[index%len(seedTaskVerbs)]
	area := seedTaskAreas[index%len(seedTaskAreas)]
	return seedTaskDef{
		task:           fmt.Sprintf("%s procedure %s", verb, taskNumber),
		description:    fmt.Sprintf("%s %s and document findings in the audit file.", verb, area),
		evidence:       seedTaskOutputs[index%len(seedTaskOutputs)],
		robotProcessed: index%3 != 0,
	}
}

var seedStatusCycle = []string{"Completed", "In progress", "Needs review", "Blocked"}

func seedTaskStatus(variant, index int) string {
	return seedStatusCycle[(variant+index)%len(seedStatusCycle)]
}

func seedTaskID(companyID, taskNumber string) string {
	return fmt.Sprintf("%s-task-%s", companyID, strings.ReplaceAll(taskNumber, ".", "-"))
}

// Bootstrap seeds the demo dataset on an empty database and warms the
// search indexes. Safe to call on every start.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountCompanies(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: count companies: %w", err)
	}
	if count == 0 {
		if err := s.seedDataset(ctx); err != nil {
			return err
		}
		log.Printf("bootstrap: seeded demo dataset")
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) seedDataset(ctx context.Context) error {
	for _, def := range seedCompanies() {
		company := store.Company{
			ID:                 def.id,
			Name:               def.name,
			Group:              def.group,
			OrganizationNumber: fmt.Sprintf("900%06d", def.orgSeq),
			OrganizationType:   def.orgType,
			ResponsiblePartner: def.partner,
			AuditStage:         def.stage,
		}
		if err := s.store.InsertCompany(ctx, company); err != nil {
			return fmt.Errorf("bootstrap: insert company %s: %w", def.id, err)
		}
		for index, taskNumber := range seedTaskNumbers {
			taskDef := seedTaskDefinition(taskNumber, index)
			task := store.Task{
				ID:             seedTaskID(def.id, taskNumber),
				CompanyID:      def.id,
				TaskNumber:     taskNumber,
				Task:           taskDef.task,
				Description:    taskDef.description,
				RobotProcessed: taskDef.robotProcessed,
				Status:         seedTaskStatus(def.variant, index),
				Evidence:       taskDef.evidence,
				LastUpdated:    "2026-02-28",
			}
			if err := s.store.InsertTask(ctx, task); err != nil {
				return fmt.Errorf("bootstrap: insert task %s: %w", task.ID, err)
			}
		}
	}
	return nil
}
