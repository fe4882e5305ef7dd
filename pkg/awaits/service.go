// Package awaits turns interactive nodes into out-of-band requests with
// claim, lease, snooze and expiry semantics. It never presents anything.
package awaits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/xeipuuv/gojsonschema"
)

// Service owns the await requests of every loaded workflow.
type Service struct {
	logger   *slog.Logger
	repo     persistence.AwaitRepository
	leases   LeaseStore
	clock    clockwork.Clock
	validate *validator.Validate

	mu     sync.Mutex
	awaits map[string]*models.AwaitRequest
	byRun  map[string]string
}

func NewService(logger *slog.Logger, repo persistence.AwaitRepository, leases LeaseStore, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Service{
		logger:   logger.With("module", "awaits"),
		repo:     repo,
		leases:   leases,
		clock:    clock,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		awaits:   make(map[string]*models.AwaitRequest),
		byRun:    make(map[string]string),
	}
}

func runKey(workflowID, nodeID, runID string) string {
	return workflowID + "/" + nodeID + "/" + runID
}

// Load caches every await of a workflow, resolved ones included so the
// uniqueness of (workflow, node, run) survives restarts.
func (s *Service) Load(ctx context.Context, workflowID string) error {
	awaits, err := s.repo.GetByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, await := range awaits {
		s.awaits[await.ID] = await
		s.byRun[runKey(await.WorkflowID, await.NodeID, await.RunID)] = await.ID
	}

	return nil
}

// Create records the single await of a (workflow, node, run) triple.
func (s *Service) Create(ctx context.Context, workflowID string, node *models.NodeTemplate, runID string) (*models.AwaitRequest, error) {
	if node.Await == nil {
		return nil, fmt.Errorf("node %s is not interactive", node.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := runKey(workflowID, node.ID, runID)
	if existing, ok := s.byRun[key]; ok {
		return nil, newAwaitError("Create", existing, ErrDuplicateAwait)
	}

	now := s.clock.Now().UTC()
	spec := node.Await

	await := &models.AwaitRequest{
		ID:               models.NewID("aw"),
		WorkflowID:       workflowID,
		NodeID:           node.ID,
		RunID:            runID,
		Type:             spec.Type,
		Urgency:          spec.Urgency,
		Blocking:         spec.Blocking,
		ResumePolicy:     spec.ResumePolicy,
		NotificationHint: spec.NotificationHint,
		Status:           models.AwaitStatusPending,
		CreatedAt:        now,
	}

	if await.Urgency == "" {
		await.Urgency = models.UrgencyNormal
	}

	if await.ResumePolicy == "" {
		await.ResumePolicy = models.ResumePolicyCancel
	}

	if spec.ExpiresIn > 0 {
		expires := now.Add(spec.ExpiresIn.Std())
		await.ExpiresAt = &expires
	}

	await.DeepLink = DeepLink(workflowID, node.ID, await.ID)

	if err := s.repo.Save(ctx, await); err != nil {
		if errors.Is(err, persistence.ErrDuplicateRecord) {
			return nil, newAwaitError("Create", await.ID, ErrDuplicateAwait)
		}

		return nil, err
	}

	s.awaits[await.ID] = await
	s.byRun[key] = await.ID

	s.logger.InfoContext(ctx, "await created",
		"await_id", await.ID, "workflow_id", workflowID, "node_id", node.ID, "run_id", runID)

	return clone(await), nil
}

func clone(await *models.AwaitRequest) *models.AwaitRequest {
	c := *await
	if await.Claim != nil {
		claim := *await.Claim
		c.Claim = &claim
	}

	return &c
}

// lookup must be called with mu held. An await whose lease is gone reverts to
// pending and is saved that way; its last claim is kept so the former holder
// can be told apart.
func (s *Service) lookup(ctx context.Context, op, id string) (*models.AwaitRequest, error) {
	await, ok := s.awaits[id]
	if !ok {
		return nil, newAwaitError(op, id, ErrAwaitNotFound)
	}

	if await.Status == models.AwaitStatusClaimed {
		_, held, err := s.leases.Holder(ctx, id)
		if err != nil {
			return nil, err
		}

		if !held {
			reverted := clone(await)
			reverted.Status = models.AwaitStatusPending

			if err := s.save(ctx, reverted); err != nil {
				return nil, err
			}

			s.logger.InfoContext(ctx, "await lease lapsed", "await_id", id)

			await = reverted
		}
	}

	return await, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.AwaitRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	await, err := s.lookup(ctx, "Get", id)
	if err != nil {
		return nil, err
	}

	return clone(await), nil
}

// ForRun returns the await created for a run.
func (s *Service) ForRun(ctx context.Context, workflowID, nodeID, runID string) (*models.AwaitRequest, error) {
	s.mu.Lock()
	id, ok := s.byRun[runKey(workflowID, nodeID, runID)]
	s.mu.Unlock()

	if !ok {
		return nil, newAwaitError("ForRun", runID, ErrAwaitNotFound)
	}

	return s.Get(ctx, id)
}

// Filter selects awaits in List. Empty fields match everything.
type Filter struct {
	WorkflowID string
	OpenOnly   bool
}

// List returns matching awaits, most urgent and oldest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]*models.AwaitRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*models.AwaitRequest

	for id, cached := range s.awaits {
		if filter.WorkflowID != "" && cached.WorkflowID != filter.WorkflowID {
			continue
		}

		await, err := s.lookup(ctx, "List", id)
		if err != nil {
			return nil, err
		}

		if filter.OpenOnly && !await.Status.Open() {
			continue
		}

		result = append(result, clone(await))
	}

	slices.SortFunc(result, func(a, b *models.AwaitRequest) int {
		if d := urgencyRank(b.Urgency) - urgencyRank(a.Urgency); d != 0 {
			return d
		}

		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return result, nil
}

func urgencyRank(u models.Urgency) int {
	switch u {
	case models.UrgencyHigh:
		return 2
	case models.UrgencyNormal:
		return 1
	default:
		return 0
	}
}

// Claim grants claimant an exclusive lease. Claiming again while holding the
// lease renews it.
func (s *Service) Claim(ctx context.Context, id, claimant string, lease time.Duration) (*models.AwaitClaim, error) {
	if lease <= 0 {
		lease = models.DefaultLease
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	await, err := s.lookup(ctx, "Claim", id)
	if err != nil {
		return nil, err
	}

	if !await.Status.Open() {
		return nil, newAwaitError("Claim", id, ErrAwaitResolved)
	}

	acquired, err := s.leases.Acquire(ctx, id, claimant, lease)
	if err != nil {
		return nil, err
	}

	if !acquired {
		holder, held, err := s.leases.Holder(ctx, id)
		if err != nil {
			return nil, err
		}

		if !held || holder != claimant {
			return nil, newAwaitError("Claim", id, ErrClaimConflict)
		}

		if renewed, err := s.leases.Renew(ctx, id, claimant, lease); err != nil || !renewed {
			return nil, newAwaitError("Claim", id, ErrClaimConflict)
		}
	}

	claim := &models.AwaitClaim{AwaitID: id, Claimant: claimant, ClaimedAt: s.clock.Now().UTC(), Lease: models.Duration(lease)}

	updated := clone(await)
	updated.Status = models.AwaitStatusClaimed
	updated.Claim = claim
	updated.SnoozedUntil = nil

	if err := s.save(ctx, updated); err != nil {
		_ = s.leases.Release(ctx, id, claimant)

		return nil, err
	}

	s.logger.InfoContext(ctx, "await claimed", "await_id", id, "claimant", claimant, "lease", lease)

	return claim, nil
}

// save persists await and then replaces the cached copy. mu must be held.
func (s *Service) save(ctx context.Context, await *models.AwaitRequest) error {
	if err := s.repo.Save(ctx, await); err != nil {
		return err
	}

	s.awaits[await.ID] = await

	return nil
}

func (s *Service) Renew(ctx context.Context, id, claimant string, lease time.Duration) (*models.AwaitClaim, error) {
	if lease <= 0 {
		lease = models.DefaultLease
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	await, err := s.lookup(ctx, "Renew", id)
	if err != nil {
		return nil, err
	}

	if !await.Status.Open() {
		return nil, newAwaitError("Renew", id, ErrAwaitResolved)
	}

	renewed, err := s.leases.Renew(ctx, id, claimant, lease)
	if err != nil {
		return nil, err
	}

	if !renewed {
		return nil, newAwaitError("Renew", id, s.lostLeaseError(await, claimant))
	}

	claim := &models.AwaitClaim{AwaitID: id, Claimant: claimant, ClaimedAt: s.clock.Now().UTC(), Lease: models.Duration(lease)}

	updated := clone(await)
	updated.Status = models.AwaitStatusClaimed
	updated.Claim = claim

	if err := s.save(ctx, updated); err != nil {
		return nil, err
	}

	return claim, nil
}

// lostLeaseError tells a former holder apart from someone racing the holder.
func (s *Service) lostLeaseError(await *models.AwaitRequest, claimant string) error {
	if await.Status == models.AwaitStatusClaimed && await.Claim != nil && await.Claim.Claimant != claimant {
		return ErrClaimConflict
	}

	return ErrLeaseExpired
}

func (s *Service) Release(ctx context.Context, id, claimant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	await, err := s.lookup(ctx, "Release", id)
	if err != nil {
		return err
	}

	if await.Status != models.AwaitStatusClaimed {
		return nil
	}

	if await.Claim != nil && await.Claim.Claimant != claimant {
		return newAwaitError("Release", id, ErrClaimConflict)
	}

	if err := s.leases.Release(ctx, id, claimant); err != nil {
		return err
	}

	updated := clone(await)
	updated.Status = models.AwaitStatusPending
	updated.Claim = nil

	return s.save(ctx, updated)
}

// Snooze hides an await until the given time. Snoozing drops any claim.
func (s *Service) Snooze(ctx context.Context, id string, until time.Time) (*models.AwaitRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	await, err := s.lookup(ctx, "Snooze", id)
	if err != nil {
		return nil, err
	}

	if !await.Status.Open() {
		return nil, newAwaitError("Snooze", id, ErrAwaitResolved)
	}

	if !until.After(s.clock.Now()) {
		return nil, &AwaitError{Op: "Snooze", AwaitID: id, Detail: "snooze time is in the past", Err: ErrInvalidPayload}
	}

	if await.Status == models.AwaitStatusClaimed && await.Claim != nil {
		if err := s.leases.Release(ctx, id, await.Claim.Claimant); err != nil {
			return nil, err
		}
	}

	until = until.UTC()
	updated := clone(await)
	updated.Status = models.AwaitStatusSnoozed
	updated.SnoozedUntil = &until
	updated.Claim = nil

	if err := s.save(ctx, updated); err != nil {
		return nil, err
	}

	return clone(updated), nil
}

// CheckCompletion verifies claimant may complete the await now. An await
// that nobody holds can be completed by anyone.
func (s *Service) CheckCompletion(ctx context.Context, id, claimant string) (*models.AwaitRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	await, err := s.lookup(ctx, "Complete", id)
	if err != nil {
		return nil, err
	}

	if !await.Status.Open() {
		return nil, newAwaitError("Complete", id, ErrAwaitResolved)
	}

	holder, held, err := s.leases.Holder(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case held && holder != claimant:
		return nil, newAwaitError("Complete", id, ErrClaimConflict)
	case !held && claimant != "" && await.Claim != nil && await.Claim.Claimant == claimant:
		return nil, newAwaitError("Complete", id, ErrLeaseExpired)
	}

	return clone(await), nil
}

// Resolve closes an open await with status completed or expired. It succeeds
// exactly once per await.
func (s *Service) Resolve(ctx context.Context, id string, status models.AwaitStatus) (*models.AwaitRequest, error) {
	if status != models.AwaitStatusCompleted && status != models.AwaitStatusExpired {
		return nil, fmt.Errorf("await %s cannot be resolved as %s", id, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	await, err := s.lookup(ctx, "Resolve", id)
	if err != nil {
		return nil, err
	}

	if !await.Status.Open() {
		return nil, newAwaitError("Resolve", id, ErrAwaitResolved)
	}

	if await.Status == models.AwaitStatusClaimed && await.Claim != nil {
		if err := s.leases.Release(ctx, id, await.Claim.Claimant); err != nil {
			s.logger.WarnContext(ctx, "failed to release lease", "await_id", id, "error", err)
		}
	}

	now := s.clock.Now().UTC()
	updated := clone(await)
	updated.Status = status
	updated.ResolvedAt = &now
	updated.Claim = nil
	updated.SnoozedUntil = nil

	if err := s.save(ctx, updated); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "await resolved", "await_id", id, "status", status)

	return clone(updated), nil
}

// Sweep wakes snoozed awaits whose time has come and returns the open awaits
// that are past their expiry. The caller applies each resume policy and then
// resolves the await as expired.
func (s *Service) Sweep(ctx context.Context) ([]*models.AwaitRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	var expired []*models.AwaitRequest

	for id := range s.awaits {
		await, err := s.lookup(ctx, "Sweep", id)
		if err != nil {
			return nil, err
		}

		if !await.Status.Open() {
			continue
		}

		if await.Expired(now) {
			expired = append(expired, clone(await))

			continue
		}

		if await.Status == models.AwaitStatusSnoozed && await.SnoozedUntil != nil && !now.Before(*await.SnoozedUntil) {
			updated := clone(await)
			updated.Status = models.AwaitStatusPending
			updated.SnoozedUntil = nil

			if err := s.save(ctx, updated); err != nil {
				return nil, err
			}
		}
	}

	slices.SortFunc(expired, func(a, b *models.AwaitRequest) int {
		return a.ExpiresAt.Compare(*b.ExpiresAt)
	})

	return expired, nil
}

// Forget drops every await of a deleted workflow.
func (s *Service) Forget(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, await := range s.awaits {
		if await.WorkflowID != workflowID {
			continue
		}

		if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, persistence.ErrAwaitNotFound) {
			return err
		}

		if await.Status == models.AwaitStatusClaimed && await.Claim != nil {
			_ = s.leases.Release(ctx, id, await.Claim.Claimant)
		}

		delete(s.awaits, id)
		delete(s.byRun, runKey(await.WorkflowID, await.NodeID, await.RunID))
	}

	return nil
}

// Output validates a non-cancel completion against the node's declared output
// and returns the asset to write on the await output port.
func (s *Service) Output(awaitID string, node *models.NodeTemplate, result models.CompletionResult) (models.OutputAsset, error) {
	if err := s.validate.Struct(result); err != nil {
		return models.OutputAsset{}, invalidPayload(awaitID, err.Error())
	}

	if node.Await == nil {
		return models.OutputAsset{}, invalidPayload(awaitID, "node is not interactive")
	}

	port, ok := node.Output(node.AwaitOutputPort())
	if !ok {
		return models.OutputAsset{}, invalidPayload(awaitID, "node has no await output port")
	}

	if string(result.Kind) != string(node.Await.Type) {
		return models.OutputAsset{}, invalidPayload(awaitID,
			fmt.Sprintf("expected a %s result, got %s", node.Await.Type, result.Kind))
	}

	switch result.Kind {
	case models.CompletionAsset:
		if result.Asset == nil || result.Asset.Location == "" {
			return models.OutputAsset{}, invalidPayload(awaitID, "asset location is required")
		}

		if result.Asset.Type != port.Type {
			return models.OutputAsset{}, invalidPayload(awaitID,
				fmt.Sprintf("asset type %s does not match port %s of type %s", result.Asset.Type, port.Name, port.Type))
		}

		return *result.Asset, nil
	case models.CompletionChoice:
		if !slices.Contains(node.Await.Choices, result.Choice) {
			return models.OutputAsset{}, invalidPayload(awaitID, fmt.Sprintf("%q is not one of the choices", result.Choice))
		}

		return inlineAsset(port.Type, map[string]any{"choice": result.Choice})
	case models.CompletionParams:
		if result.Params == nil {
			return models.OutputAsset{}, invalidPayload(awaitID, "params are required")
		}

		if err := checkParams(node.Await.ParamsSchema, result.Params); err != nil {
			return models.OutputAsset{}, invalidPayload(awaitID, err.Error())
		}

		return inlineAsset(port.Type, result.Params)
	default:
		return models.OutputAsset{}, invalidPayload(awaitID, "cancel carries no output")
	}
}

// InlineLocation is the location of assets whose value lives in their metadata.
const InlineLocation = "inline:"

func inlineAsset(portType models.PortType, value any) (models.OutputAsset, error) {
	metadata, err := json.Marshal(value)
	if err != nil {
		return models.OutputAsset{}, err
	}

	return models.OutputAsset{Type: portType, Location: InlineLocation, Metadata: metadata}, nil
}

func checkParams(schema map[string]any, params map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if result.Valid() {
		return nil
	}

	messages := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}

	return errors.New(fmt.Sprint(messages))
}

// DefaultResult synthesizes the completion used by the autoDefault policy: the
// declared default, or the only candidate choice.
func DefaultResult(node *models.NodeTemplate) (models.CompletionResult, bool) {
	spec := node.Await
	if spec == nil {
		return models.CompletionResult{}, false
	}

	switch spec.Type {
	case models.AwaitTypeChoice:
		if choice, ok := spec.Default.(string); ok && slices.Contains(spec.Choices, choice) {
			return models.CompletionResult{Kind: models.CompletionChoice, Choice: choice}, true
		}

		if len(spec.Choices) == 1 {
			return models.CompletionResult{Kind: models.CompletionChoice, Choice: spec.Choices[0]}, true
		}
	case models.AwaitTypeParams:
		if params, ok := spec.Default.(map[string]any); ok {
			return models.CompletionResult{Kind: models.CompletionParams, Params: params}, true
		}
	case models.AwaitTypeAsset:
		if location, ok := spec.Default.(string); ok && location != "" {
			port, _ := node.Output(node.AwaitOutputPort())

			return models.CompletionResult{
				Kind:  models.CompletionAsset,
				Asset: &models.OutputAsset{Type: port.Type, Location: location},
			}, true
		}
	}

	return models.CompletionResult{}, false
}
