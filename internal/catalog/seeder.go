// Package catalog ships the default workflow definitions and seeds them into
// a tenant.
package catalog

import (
	"context"
	_ "embed"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/model"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Names of the built-in definitions.
const (
	ContractApproval   = "contract_approval"
	AttendanceApproval = "attendance_approval"
	LeaveApproval      = "leave_approval"
	TaskLifecycle      = "task_lifecycle"
)

// Defaults parses the embedded catalog.
func Defaults() ([]model.WorkflowDefinition, error) {
	f, err := definition.NewLoader().Parse(defaultsYAML, "defaults.yaml")
	if err != nil {
		return nil, err
	}
	return f.Definitions, nil
}

// SeedReport lists what a seeding run did per definition name.
type SeedReport struct {
	TenantID  string   `json:"tenant_id"`
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
}

// Recorder receives seeding outcomes.
type Recorder interface {
	RecordSeed(outcome string)
}

// Seeder materialises the catalog for tenants.
type Seeder struct {
	store     definition.Store
	registry  *definition.Registry
	validator *definition.Validator
	loader    *definition.Loader
	extraDirs []string
	recorder  Recorder
	logger    *zap.Logger
}

// Option configures a Seeder.
type Option func(*Seeder)

// WithExtraDirs adds directories of YAML definitions seeded alongside the
// built-in catalog.
func WithExtraDirs(dirs ...string) Option {
	return func(s *Seeder) { s.extraDirs = append(s.extraDirs, dirs...) }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Seeder) { s.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Seeder) { s.logger = l }
}

// NewSeeder creates a Seeder writing to store. The registry, if given, has
// the tenant's cache invalidated after every successful run.
func NewSeeder(store definition.Store, registry *definition.Registry, opts ...Option) *Seeder {
	s := &Seeder{
		store:     store,
		registry:  registry,
		validator: definition.NewValidator(),
		loader:    definition.NewLoader(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type planned struct {
	def    model.WorkflowDefinition
	action string
}

const (
	actionCreate    = "created"
	actionUpdate    = "updated"
	actionUnchanged = "unchanged"
)

// SeedDefaultDefinitions makes the tenant's stored definitions match the
// catalog. It is safe to run repeatedly. Nothing is written when any
// definition is structurally invalid (INVALID_DEFINITION) or when a change
// would remove a state or transition that open instances still depend on
// (CONFIGURATION_HAZARD).
func (s *Seeder) SeedDefaultDefinitions(ctx context.Context, tenantID string) (SeedReport, error) {
	if tenantID == "" {
		return SeedReport{}, model.NewBadRequestError("tenant id is required")
	}
	log := s.logger.With(zap.String("tenant_id", tenantID))

	defs, err := s.catalog()
	if err != nil {
		s.record("invalid")
		return SeedReport{}, err
	}

	// 1. Validate everything before touching the store.
	if errs := s.validator.Validate(defs); len(errs) > 0 {
		s.record("invalid")
		log.Error("catalog failed validation", zap.Int("problems", len(errs)))
		return SeedReport{}, model.NewInvalidDefinitionError(
			fmt.Sprintf("catalog has %d structural problems", len(errs)),
			definition.FieldErrors(errs),
		)
	}

	// 2. Plan against the stored copies.
	plan := make([]planned, 0, len(defs))
	var hazards []model.FieldError
	for _, def := range defs {
		def.TenantID = tenantID

		existing, err := s.store.FindDefinition(ctx, tenantID, def.Name)
		if model.IsCode(err, model.ErrDefinitionNotFound) {
			plan = append(plan, planned{def: def, action: actionCreate})
			continue
		}
		if err != nil {
			return SeedReport{}, err
		}
		if existing.Checksum == def.Checksum {
			plan = append(plan, planned{def: def, action: actionUnchanged})
			continue
		}

		if c := definition.Diff(existing, def); !c.Empty() {
			live, err := s.store.LiveInstancesByState(ctx, existing.ID)
			if err != nil {
				return SeedReport{}, err
			}
			hazards = append(hazards, definition.Hazards(def.Name, c, live)...)
		}
		plan = append(plan, planned{def: def, action: actionUpdate})
	}
	if len(hazards) > 0 {
		s.record("hazard")
		log.Error("seeding refused: catalog change would orphan live instances", zap.Int("hazards", len(hazards)))
		return SeedReport{}, model.NewConfigurationHazardError(
			"catalog change would remove states or transitions used by live instances",
			hazards,
		)
	}

	// 3. Apply.
	report := SeedReport{TenantID: tenantID, Created: []string{}, Updated: []string{}, Unchanged: []string{}}
	for _, p := range plan {
		switch p.action {
		case actionUnchanged:
			report.Unchanged = append(report.Unchanged, p.def.Name)
			continue
		case actionCreate:
			report.Created = append(report.Created, p.def.Name)
		case actionUpdate:
			report.Updated = append(report.Updated, p.def.Name)
		}
		if _, err := s.store.UpsertDefinition(ctx, p.def); err != nil {
			// The store rechecks hazards atomically; an instance may have
			// moved into a removed state since the plan was made.
			if model.IsCode(err, model.ErrConfigurationHazard) {
				s.record("hazard")
				log.Error("seeding refused while applying", zap.String("definition", p.def.Name), zap.Error(err))
				if s.registry != nil {
					s.registry.Invalidate(tenantID)
				}
			}
			return SeedReport{}, fmt.Errorf("seeding %s: %w", p.def.Name, err)
		}
	}

	// 4. Drop stale cached copies.
	if s.registry != nil {
		s.registry.Invalidate(tenantID)
	}

	s.record("success")
	log.Info("seeded workflow definitions",
		zap.Strings("created", report.Created),
		zap.Strings("updated", report.Updated),
		zap.Int("unchanged", len(report.Unchanged)),
	)
	return report, nil
}

// catalog returns the built-in definitions followed by those found in the
// extra directories.
func (s *Seeder) catalog() ([]model.WorkflowDefinition, error) {
	defs, err := Defaults()
	if err != nil {
		return nil, model.NewInvalidDefinitionError(err.Error(), nil)
	}
	if len(s.extraDirs) == 0 {
		return defs, nil
	}
	files, err := s.loader.LoadAll(s.extraDirs)
	if err != nil {
		return nil, model.NewInvalidDefinitionError(err.Error(), nil)
	}
	return append(defs, definition.Flatten(files)...), nil
}

func (s *Seeder) record(outcome string) {
	if s.recorder != nil {
		s.recorder.RecordSeed(outcome)
	}
}
