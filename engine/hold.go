/*
hold.go - Hold Manager

PURPOSE:
  Places, releases, cancels and expires time-boxed reservations on units.

LAZY EXPIRY:
  Every operation that touches a unit first goes through lockUnit, which
  reverts an elapsed hold to available inside the same transaction. That
  check is the source of truth; the background sweeper only calls
  ExpireHold, which takes the same lock path.

HOLD IDENTITY:
  PlaceHold mints a new HoldID per attempt. ConfirmBooking and
  RecordConsent must present it, so a stale caller from an earlier attempt
  can never confirm or consent on a newer hold.
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// RegisterUnit creates an available unit under an existing project.
func (e *Engine) RegisterUnit(ctx context.Context, in UnitInput, actor Actor) (Inventory, error) {
	if err := e.authorize(actor, PermManageInventory); err != nil {
		return Inventory{}, err
	}
	in, err := NewUnitInput(in)
	if err != nil {
		return Inventory{}, err
	}

	var inv Inventory
	err = e.runTx(ctx, "RegisterUnit", actor, []attribute.KeyValue{attribute.String("project.id", string(in.ProjectID))},
		func(ctx context.Context, s *scope) error {
			if _, err := s.tx.GetProject(ctx, in.ProjectID); err != nil {
				return err
			}
			code, err := nextCode(ctx, s, "inventory")
			if err != nil {
				return err
			}
			inv = Inventory{
				ID:           InventoryID(uuid.NewString()),
				Code:         code,
				ProjectID:    in.ProjectID,
				PhaseBlockID: in.PhaseBlockID,
				UnitNumber:   in.UnitNumber,
				UnitType:     in.UnitType,
				Category:     in.Category,
				Size:         in.Size,
				Price:        in.Price,
				Status:       InventoryAvailable,
				CreatedAt:    s.now,
				UpdatedAt:    s.now,
				Version:      1,
			}
			if err := s.tx.InsertInventory(ctx, inv); err != nil {
				return err
			}
			return s.audit(ctx, AuditUnitRegistered, "inventory", string(inv.ID), inv.ID, map[string]any{
				"code":  code,
				"price": inv.Price.String(),
			})
		})
	return inv, err
}

// GetInventory returns the unit after applying lazy expiry.
func (e *Engine) GetInventory(ctx context.Context, id InventoryID) (Inventory, error) {
	var inv Inventory
	err := e.read(ctx, "GetInventory", []attribute.KeyValue{attribute.String("inventory.id", string(id))},
		func(ctx context.Context, s *scope) error {
			var err error
			inv, _, err = e.lockUnit(ctx, s, id)
			return err
		})
	return inv, err
}

// PlaceHold reserves an available unit for ttl (the engine default when
// ttl <= 0). The returned unit carries the new HoldID.
func (e *Engine) PlaceHold(ctx context.Context, id InventoryID, actor Actor, ttl time.Duration) (Inventory, error) {
	if err := e.authorize(actor, PermPlaceHold); err != nil {
		return Inventory{}, err
	}
	if ttl <= 0 {
		ttl = e.holdTTL
	}

	var inv Inventory
	err := e.runTx(ctx, "PlaceHold", actor, []attribute.KeyValue{attribute.String("inventory.id", string(id))},
		func(ctx context.Context, s *scope) error {
			var err error
			inv, _, err = e.lockUnit(ctx, s, id)
			if err != nil {
				return err
			}
			if inv.Status != InventoryAvailable {
				return unitTransition(inv, "hold", "")
			}

			expires := s.now.Add(ttl)
			inv.Status = InventoryHeld
			inv.HoldID = HoldID(uuid.NewString())
			inv.HeldBy = actor.ID
			inv.HoldExpiresAt = &expires
			inv.UpdatedAt = s.now
			if err := saveUnit(ctx, s, &inv); err != nil {
				return err
			}
			if err := s.audit(ctx, AuditHoldPlaced, "inventory", string(inv.ID), inv.ID, map[string]any{
				"hold_id":    string(inv.HoldID),
				"expires_at": expires,
			}); err != nil {
				return err
			}
			s.emit(Event{Type: EventHoldPlaced, InventoryID: inv.ID, Data: map[string]string{"hold_id": string(inv.HoldID)}})
			return nil
		})
	return inv, err
}

// ReleaseHold returns a unit held by actor to available.
func (e *Engine) ReleaseHold(ctx context.Context, id InventoryID, actor Actor) (Inventory, error) {
	var inv Inventory
	err := e.runTx(ctx, "ReleaseHold", actor, []attribute.KeyValue{attribute.String("inventory.id", string(id))},
		func(ctx context.Context, s *scope) error {
			var expired *HoldExpiredError
			var err error
			inv, expired, err = e.lockUnit(ctx, s, id)
			if err != nil {
				return err
			}
			if expired != nil {
				s.failAfterCommit(expired)
				return nil
			}
			if inv.Status != InventoryHeld {
				return unitTransition(inv, "release", "unit is not held")
			}
			if inv.HeldBy != actor.ID {
				return unitTransition(inv, "release", "held by another actor")
			}
			return e.dropHold(ctx, s, &inv, AuditHoldReleased, "")
		})
	return inv, err
}

// CancelHold lets an actor with cancellation authority drop someone else's
// hold. A reason is required and audited.
func (e *Engine) CancelHold(ctx context.Context, id InventoryID, reason string, actor Actor) (Inventory, error) {
	if err := e.authorize(actor, PermCancelHold); err != nil {
		return Inventory{}, err
	}
	if reason == "" {
		return Inventory{}, invalid("reason", "required")
	}

	var inv Inventory
	err := e.runTx(ctx, "CancelHold", actor, []attribute.KeyValue{attribute.String("inventory.id", string(id))},
		func(ctx context.Context, s *scope) error {
			var expired *HoldExpiredError
			var err error
			inv, expired, err = e.lockUnit(ctx, s, id)
			if err != nil {
				return err
			}
			if expired != nil {
				s.failAfterCommit(expired)
				return nil
			}
			if inv.Status != InventoryHeld {
				return unitTransition(inv, "cancel hold", "unit is not held")
			}
			return e.dropHold(ctx, s, &inv, AuditHoldCancelled, reason)
		})
	return inv, err
}

// ExpireHold reverts the unit if its hold has elapsed and reports whether
// it did. Used by the sweeper; it takes the same lock as every other
// operation, so it never races a confirmation.
func (e *Engine) ExpireHold(ctx context.Context, id InventoryID, actor Actor) (bool, error) {
	if err := e.authorize(actor, PermExpireHold); err != nil {
		return false, err
	}
	var reverted bool
	err := e.runTx(ctx, "ExpireHold", actor, []attribute.KeyValue{attribute.String("inventory.id", string(id))},
		func(ctx context.Context, s *scope) error {
			_, expired, err := e.lockUnit(ctx, s, id)
			reverted = expired != nil
			return err
		})
	return reverted, err
}

func (e *Engine) dropHold(ctx context.Context, s *scope, inv *Inventory, action AuditAction, reason string) error {
	hold := inv.HoldID
	holder := inv.HeldBy
	inv.clearHold()
	inv.UpdatedAt = s.now
	if err := saveUnit(ctx, s, inv); err != nil {
		return err
	}
	payload := map[string]any{"hold_id": string(hold), "held_by": string(holder)}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := s.audit(ctx, action, "inventory", string(inv.ID), inv.ID, payload); err != nil {
		return err
	}
	s.emit(Event{Type: EventHoldReleased, InventoryID: inv.ID, Data: map[string]string{"hold_id": string(hold)}})
	return nil
}
