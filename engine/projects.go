package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// RegisterBuilder creates an active builder.
func (e *Engine) RegisterBuilder(ctx context.Context, in BuilderInput, actor Actor) (Builder, error) {
	if err := e.authorize(actor, PermManageInventory); err != nil {
		return Builder{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Builder{}, invalid("name", "required")
	}
	if in.MaxProjects < 0 {
		return Builder{}, invalid("max_projects", "must not be negative")
	}
	if in.MaxProjects == 0 {
		in.MaxProjects = DefaultMaxProjects
	}

	var b Builder
	err := e.runTx(ctx, "RegisterBuilder", actor, nil, func(ctx context.Context, s *scope) error {
		code, err := nextCode(ctx, s, "builder")
		if err != nil {
			return err
		}
		b = Builder{
			ID:          BuilderID(uuid.NewString()),
			Code:        code,
			Name:        in.Name,
			MaxProjects: in.MaxProjects,
			Status:      StatusActive,
			CreatedAt:   s.now,
		}
		if err := s.tx.InsertBuilder(ctx, b); err != nil {
			return err
		}
		return s.audit(ctx, AuditBuilderRegistered, "builder", string(b.ID), "", map[string]any{"code": code})
	})
	return b, err
}

// RegisterProject creates a project, refusing once the builder already
// has MaxProjects projects.
func (e *Engine) RegisterProject(ctx context.Context, in ProjectInput, actor Actor) (Project, error) {
	if err := e.authorize(actor, PermManageInventory); err != nil {
		return Project{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Project{}, invalid("name", "required")
	}
	if in.UnitCapacity < 0 {
		return Project{}, invalid("unit_capacity", "must not be negative")
	}

	var p Project
	err := e.runTx(ctx, "RegisterProject", actor, []attribute.KeyValue{attribute.String("builder.id", string(in.BuilderID))},
		func(ctx context.Context, s *scope) error {
			b, err := s.tx.GetBuilder(ctx, in.BuilderID)
			if err != nil {
				return err
			}
			n, err := s.tx.CountProjects(ctx, b.ID)
			if err != nil {
				return err
			}
			if n >= b.MaxProjects {
				return &BuilderLimitError{BuilderID: b.ID, Reason: "builder has reached max projects", Limit: b.MaxProjects, Current: n}
			}
			code, err := nextCode(ctx, s, "project")
			if err != nil {
				return err
			}
			p = Project{
				ID:           ProjectID(uuid.NewString()),
				Code:         code,
				BuilderID:    b.ID,
				Name:         in.Name,
				Location:     in.Location,
				UnitCapacity: in.UnitCapacity,
				Status:       StatusActive,
				CreatedAt:    s.now,
			}
			if err := s.tx.InsertProject(ctx, p); err != nil {
				return err
			}
			return s.audit(ctx, AuditProjectRegistered, "project", string(p.ID), "", map[string]any{"code": code, "builder_id": string(b.ID)})
		})
	return p, err
}

// checkCapacity is the project-layer precondition of ConfirmBooking.
func checkCapacity(ctx context.Context, s *scope, projectID ProjectID) error {
	p, err := s.tx.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	b, err := s.tx.GetBuilder(ctx, p.BuilderID)
	if err != nil {
		return err
	}
	if b.Status != StatusActive || p.Status != StatusActive {
		return &BuilderLimitError{BuilderID: b.ID, ProjectID: p.ID, Reason: "builder or project is not active"}
	}

	n, err := s.tx.CountProjects(ctx, b.ID)
	if err != nil {
		return err
	}
	if n > b.MaxProjects {
		return &BuilderLimitError{BuilderID: b.ID, ProjectID: p.ID, Reason: "builder exceeds max projects", Limit: b.MaxProjects, Current: n}
	}

	if p.UnitCapacity > 0 {
		active, err := s.tx.CountActiveBookings(ctx, p.ID)
		if err != nil {
			return err
		}
		if active >= p.UnitCapacity {
			return &BuilderLimitError{BuilderID: b.ID, ProjectID: p.ID, Reason: "project booking capacity reached", Limit: p.UnitCapacity, Current: active}
		}
	}
	return nil
}
