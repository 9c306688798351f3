package integration

import (
	"context"
	"testing"
	"time"

	"github.com/mentalspace/ehr-billing/internal/domain/payer"
	"github.com/mentalspace/ehr-billing/internal/platform/apperr"
)

func TestPayerRules_LifecycleAndMatch(t *testing.T) {
	tenantID := newTenant(t, "rules")
	s := newStack()

	withTenantConn(t, tenantID, func(ctx context.Context) error {
		p := createPayer(t, ctx, s, "State Medicaid")

		if _, err := s.payers.CreatePayer(ctx, payer.PayerInput{Name: "state medicaid", PayerType: "MEDICAID"}, "admin-1"); !apperr.IsConflict(err) {
			t.Errorf("expected conflict for duplicate payer name, got %v", err)
		}

		in := payer.RuleInput{
			PayerID:             p.ID.String(),
			ClinicianCredential: string(payer.CredLCSWIntern),
			ServiceType:         string(payer.ServicePsychotherapy),
			PlaceOfService:      string(payer.PlaceOffice),
			CosignRequired:      true,
			CosignTimeframeDays: intPtr(7),
			EffectiveDate:       "2025-01-01",
		}
		term := "2026-01-01"
		in.TerminationDate = &term
		first, err := s.payers.CreateRule(ctx, in, "admin-1")
		if err != nil {
			return err
		}

		overlapping := in
		overlapping.EffectiveDate = "2025-06-01"
		overlapping.TerminationDate = nil
		if _, err := s.payers.CreateRule(ctx, overlapping, "admin-1"); !apperr.IsValidation(err) {
			t.Errorf("expected overlap to be rejected, got %v", err)
		}

		next := in
		next.EffectiveDate = "2026-01-01"
		next.TerminationDate = nil
		next.CosignTimeframeDays = intPtr(3)
		second, err := s.payers.CreateRule(ctx, next, "admin-1")
		if err != nil {
			t.Fatalf("adjacent window should not overlap: %v", err)
		}

		tuple := payer.Tuple{Credential: payer.CredLCSWIntern, ServiceType: payer.ServicePsychotherapy, PlaceOfService: payer.PlaceOffice}
		for _, tc := range []struct {
			asOf string
			want *payer.Rule
		}{
			{"2025-03-10", first},
			{"2025-12-31", first},
			{"2026-01-01", second},
			{"2024-12-31", nil},
		} {
			asOf, _ := time.Parse("2006-01-02", tc.asOf)
			got, err := s.matcher.FindApplicableRule(ctx, payer.MatchQuery{PayerID: p.ID, Tuple: tuple, AsOf: asOf})
			if err != nil {
				return err
			}
			switch {
			case tc.want == nil && got != nil:
				t.Errorf("%s: expected no rule, got %s", tc.asOf, got.ID)
			case tc.want != nil && (got == nil || got.ID != tc.want.ID):
				t.Errorf("%s: expected rule %s, got %v", tc.asOf, tc.want.ID, got)
			}
		}

		if _, err := s.payers.DeactivatePayer(ctx, p.ID, "admin-2"); err != nil {
			return err
		}
		for _, r := range []*payer.Rule{first, second} {
			got, err := s.payers.GetRuleByID(ctx, r.ID)
			if err != nil {
				return err
			}
			if got.IsActive {
				t.Errorf("rule %s still active after payer deactivation", r.ID)
			}
			history, err := s.payers.RuleHistory(ctx, r.ID)
			if err != nil {
				return err
			}
			if len(history) != 2 {
				t.Errorf("rule %s: expected create and deactivate audit entries, got %d", r.ID, len(history))
			}
		}

		asOf, _ := time.Parse("2006-01-02", "2026-02-01")
		got, err := s.matcher.FindApplicableRule(ctx, payer.MatchQuery{PayerID: p.ID, Tuple: tuple, AsOf: asOf})
		if err != nil {
			return err
		}
		if got != nil {
			t.Errorf("inactive payer should match no rule, got %s", got.ID)
		}
		return nil
	})
}

func TestPayerRules_BulkImport(t *testing.T) {
	tenantID := newTenant(t, "import")
	s := newStack()

	withTenantConn(t, tenantID, func(ctx context.Context) error {
		p := createPayer(t, ctx, s, "Acme Health")
		places := []payer.PlaceOfService{payer.PlaceOffice, payer.PlaceTelehealth, payer.PlaceHome, "", payer.PlaceSchool}
		rows := make([]payer.RuleInput, 0, len(places)+1)
		for _, pos := range places {
			rows = append(rows, payer.RuleInput{
				PayerID:             p.ID.String(),
				ClinicianCredential: string(payer.CredLPC),
				ServiceType:         string(payer.ServiceEvaluation),
				PlaceOfService:      string(pos),
				EffectiveDate:       "2026-01-01",
			})
		}
		// Duplicates row 1.
		rows = append(rows, rows[0])

		res, err := s.payers.BulkImportRules(ctx, rows, "admin-1")
		if err != nil {
			return err
		}
		if res.Success != 4 || res.Failed != 2 {
			t.Fatalf("expected 4 imported and 2 failed, got %d/%d: %+v", res.Success, res.Failed, res.Errors)
		}
		if res.Errors[0].Row != 4 || res.Errors[1].Row != 6 {
			t.Errorf("expected failures on rows 4 and 6, got %+v", res.Errors)
		}

		active := true
		rules, err := s.payers.ListRules(ctx, payer.RuleFilter{PayerID: &p.ID, IsActive: &active})
		if err != nil {
			return err
		}
		if len(rules) != 4 {
			t.Errorf("expected 4 stored rules, got %d", len(rules))
		}
		return nil
	})
}
