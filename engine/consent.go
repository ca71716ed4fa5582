/*
consent.go - Consent Evaluator and investor assignments

PURPOSE:
  Tracks fractional investor shares of a unit and decides whether every
  investor whose consent is required has approved the current booking
  attempt.

ATTEMPT SCOPE:
  Consents are keyed by HoldID. A new hold is a new attempt, so consents
  given before a release, expiry or cancellation do not carry over.
*/
package engine

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// ConsentReport explains the consent state of a unit's current attempt.
type ConsentReport struct {
	InventoryID InventoryID
	HoldID      HoldID
	Required    []InvestorID
	Approved    []InvestorID
	Missing     []InvestorID
}

// Satisfied reports whether nothing is missing.
func (r ConsentReport) Satisfied() bool { return len(r.Missing) == 0 }

// evaluateConsent is a pure query over assignments and the consents
// recorded for hold. An empty hold has no consents.
func evaluateConsent(ctx context.Context, tx Tx, inv InventoryID, hold HoldID) (ConsentReport, error) {
	report := ConsentReport{InventoryID: inv, HoldID: hold}

	assignments, err := tx.ActiveAssignments(ctx, inv)
	if err != nil {
		return report, err
	}
	approved := map[InvestorID]bool{}
	if hold != "" {
		consents, err := tx.Consents(ctx, hold)
		if err != nil {
			return report, err
		}
		for _, c := range consents {
			approved[c.InvestorID] = c.Approved
		}
	}

	for _, a := range assignments {
		if !a.ConsentRequired {
			continue
		}
		report.Required = append(report.Required, a.InvestorID)
		if approved[a.InvestorID] {
			report.Approved = append(report.Approved, a.InvestorID)
		} else {
			report.Missing = append(report.Missing, a.InvestorID)
		}
	}
	sort.Slice(report.Missing, func(i, j int) bool { return report.Missing[i] < report.Missing[j] })
	return report, nil
}

// ConsentStatus reports required, approved and missing investors for the
// unit's current attempt. It does not write; an elapsed hold is evaluated
// as if already reverted.
func (e *Engine) ConsentStatus(ctx context.Context, id InventoryID) (ConsentReport, error) {
	var report ConsentReport
	err := e.read(ctx, "ConsentStatus", []attribute.KeyValue{attribute.String("inventory.id", string(id))},
		func(ctx context.Context, s *scope) error {
			inv, err := s.tx.LockInventory(ctx, id)
			if err != nil {
				return err
			}
			hold := inv.HoldID
			if inv.Status != InventoryHeld || inv.HoldElapsed(s.now) {
				hold = ""
			}
			report, err = evaluateConsent(ctx, s.tx, id, hold)
			return err
		})
	return report, err
}

// IsConsentSatisfied is true when no consent-required investor is missing
// an affirmative decision for the current attempt.
func (e *Engine) IsConsentSatisfied(ctx context.Context, id InventoryID) (bool, error) {
	report, err := e.ConsentStatus(ctx, id)
	if err != nil {
		return false, err
	}
	return report.Satisfied(), nil
}

// RecordConsent stores an investor's decision for the hold in.HoldID.
// Investors may only record their own decision.
func (e *Engine) RecordConsent(ctx context.Context, in ConsentInput, actor Actor) (Consent, error) {
	if err := e.authorize(actor, PermRecordConsent); err != nil {
		return Consent{}, err
	}
	if actor.Role == RoleInvestor && actor.InvestorID != in.InvestorID {
		return Consent{}, &UnauthorizedError{ActorID: actor.ID, Role: actor.Role, Permission: PermRecordConsent}
	}
	if in.HoldID == "" || in.InvestorID == "" {
		return Consent{}, invalid("consent", "hold_id and investor_id are required")
	}

	var c Consent
	err := e.runTx(ctx, "RecordConsent", actor, []attribute.KeyValue{attribute.String("inventory.id", string(in.InventoryID))},
		func(ctx context.Context, s *scope) error {
			inv, expired, err := e.lockUnit(ctx, s, in.InventoryID)
			if err != nil {
				return err
			}
			if expired != nil {
				s.failAfterCommit(expired)
				return nil
			}
			if inv.Status != InventoryHeld || inv.HoldID != in.HoldID {
				return unitTransition(inv, "consent", "no matching hold")
			}

			assignments, err := s.tx.ActiveAssignments(ctx, inv.ID)
			if err != nil {
				return err
			}
			found := false
			for _, a := range assignments {
				if a.InvestorID == in.InvestorID {
					found = true
					break
				}
			}
			if !found {
				return invalid("investor_id", "%s has no active share in %s", in.InvestorID, inv.ID)
			}

			c = Consent{
				HoldID:      in.HoldID,
				InventoryID: inv.ID,
				InvestorID:  in.InvestorID,
				Approved:    in.Approved,
				RecordedBy:  actor.ID,
				RecordedAt:  s.now,
			}
			if err := s.tx.SaveConsent(ctx, c); err != nil {
				return err
			}
			if err := s.audit(ctx, AuditConsentRecorded, "inventory", string(inv.ID), inv.ID, map[string]any{
				"hold_id":     string(c.HoldID),
				"investor_id": string(c.InvestorID),
				"approved":    c.Approved,
			}); err != nil {
				return err
			}
			s.emit(Event{Type: EventConsentRecorded, InventoryID: inv.ID, Data: map[string]string{"investor_id": string(c.InvestorID)}})
			return nil
		})
	return c, err
}

// AssignInvestor gives an investor a share of a unit and marks the unit
// investor-locked. The unit's active shares may not exceed 100.
func (e *Engine) AssignInvestor(ctx context.Context, in AssignmentInput, actor Actor) (InvestorAssignment, error) {
	if err := e.authorize(actor, PermManageInvestors); err != nil {
		return InvestorAssignment{}, err
	}
	share, err := NewShare(in.Share)
	if err != nil {
		return InvestorAssignment{}, err
	}
	if in.InvestorID == "" {
		return InvestorAssignment{}, invalid("investor_id", "required")
	}
	consentRequired := true
	if in.ConsentRequired != nil {
		consentRequired = *in.ConsentRequired
	}

	var a InvestorAssignment
	err = e.runTx(ctx, "AssignInvestor", actor, []attribute.KeyValue{attribute.String("inventory.id", string(in.InventoryID))},
		func(ctx context.Context, s *scope) error {
			inv, _, err := e.lockUnit(ctx, s, in.InventoryID)
			if err != nil {
				return err
			}
			if inv.Status == InventorySold {
				return unitTransition(inv, "assign investor", "")
			}

			existing, err := s.tx.ActiveAssignments(ctx, inv.ID)
			if err != nil {
				return err
			}
			total := decimal.Zero
			for _, x := range existing {
				if x.InvestorID == in.InvestorID {
					return invalid("investor_id", "%s already holds a share in %s", in.InvestorID, inv.ID)
				}
				total = total.Add(x.Share)
			}
			if total.Add(share).GreaterThan(hundred) {
				return invalid("share", "active shares would total %s%%", total.Add(share))
			}

			a = InvestorAssignment{
				ID:              AssignmentID(uuid.NewString()),
				InvestorID:      in.InvestorID,
				InventoryID:     inv.ID,
				Share:           share,
				ConsentRequired: consentRequired,
				Status:          AssignmentActive,
				AssignedBy:      actor.ID,
				CreatedAt:       s.now,
			}
			if err := s.tx.InsertAssignment(ctx, a); err != nil {
				return err
			}

			inv.InvestorLocked = true
			if inv.InvestorID == "" {
				inv.InvestorID = in.InvestorID
			}
			inv.UpdatedAt = s.now
			if err := saveUnit(ctx, s, &inv); err != nil {
				return err
			}
			return s.audit(ctx, AuditInvestorAssigned, "inventory", string(inv.ID), inv.ID, map[string]any{
				"investor_id":      string(a.InvestorID),
				"share":            a.Share.String(),
				"consent_required": a.ConsentRequired,
			})
		})
	return a, err
}

// RevokeAssignment ends an investor's share. The unit stays
// investor-locked while any active assignment remains.
func (e *Engine) RevokeAssignment(ctx context.Context, id AssignmentID, actor Actor) (InvestorAssignment, error) {
	if err := e.authorize(actor, PermManageInvestors); err != nil {
		return InvestorAssignment{}, err
	}

	var a InvestorAssignment
	err := e.runTx(ctx, "RevokeAssignment", actor, nil, func(ctx context.Context, s *scope) error {
		var err error
		a, err = s.tx.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		inv, _, err := e.lockUnit(ctx, s, a.InventoryID)
		if err != nil {
			return err
		}
		if a.Status != AssignmentActive {
			return &TransitionError{Entity: "assignment", ID: string(a.ID), From: string(a.Status), Event: "revoke"}
		}

		a.Status = AssignmentRevoked
		revoked := s.now
		a.RevokedAt = &revoked
		if err := s.tx.UpdateAssignment(ctx, a); err != nil {
			return err
		}

		remaining, err := s.tx.ActiveAssignments(ctx, inv.ID)
		if err != nil {
			return err
		}
		inv.InvestorLocked = len(remaining) > 0
		if inv.InvestorID == a.InvestorID {
			inv.InvestorID = ""
			if len(remaining) > 0 {
				inv.InvestorID = remaining[0].InvestorID
			}
		}
		inv.UpdatedAt = s.now
		if err := saveUnit(ctx, s, &inv); err != nil {
			return err
		}
		return s.audit(ctx, AuditInvestorRevoked, "inventory", string(inv.ID), inv.ID, map[string]any{
			"investor_id": string(a.InvestorID),
		})
	})
	return a, err
}
