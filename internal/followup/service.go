package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/vet-followup/internal/businesshours"
	"github.com/wolfman30/vet-followup/internal/calls"
	"github.com/wolfman30/vet-followup/internal/clinic"
	"github.com/wolfman30/vet-followup/internal/dispatch"
	"github.com/wolfman30/vet-followup/internal/generation"
	"github.com/wolfman30/vet-followup/internal/identity"
	"github.com/wolfman30/vet-followup/internal/observability/metrics"
	"github.com/wolfman30/vet-followup/internal/readiness"
	"github.com/wolfman30/vet-followup/internal/retry"
	"github.com/wolfman30/vet-followup/internal/scope"
	"github.com/wolfman30/vet-followup/internal/store"
	"github.com/wolfman30/vet-followup/internal/tenancy"
	"github.com/wolfman30/vet-followup/pkg/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotReady is matched by NotReadyError.
	ErrNotReady = errors.New("followup: case not ready")
	// ErrCaseNotFound means the case does not exist for this tenant.
	ErrCaseNotFound = errors.New("followup: case not found")
	// ErrNoChannel means the clinic has disabled every channel the contact supports.
	ErrNoChannel = errors.New("followup: no enabled channel for contact")
)

// NotReadyError carries the readiness verdict for a rejected case.
type NotReadyError struct {
	Result readiness.Result
}

func (e *NotReadyError) Error() string {
	if e.Result.Excluded {
		return fmt.Sprintf("followup: case excluded: %s", e.Result.ExclusionReason)
	}
	return fmt.Sprintf("followup: case not ready: missing %s", strings.Join(e.Result.Missing, ", "))
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// IdentityResolver ensures the clinic, provider and patient behind a case exist.
type IdentityResolver interface {
	GetOrCreateClinic(ctx context.Context, in identity.ClinicInput) (*identity.Clinic, error)
	GetOrCreateProvider(ctx context.Context, in identity.ProviderInput) (*identity.Provider, error)
	RecordPatientVisit(ctx context.Context, in identity.VisitInput) (*identity.CanonicalPatient, error)
}

// PreferenceSource returns a clinic's follow-up preferences.
type PreferenceSource interface {
	Get(ctx context.Context, clinicID string) (*clinic.Preferences, error)
}

// Config wires the service.
type Config struct {
	Cases       CaseReader
	Owners      OwnerDirectory
	Preferences PreferenceSource
	Identity    IdentityResolver
	Tracker     *calls.Tracker
	Generator   generation.Client
	Dispatch    dispatch.Client
	Retry       *retry.Executor
	TestMode    readiness.TestMode
	Metrics     *metrics.FollowupMetrics
	Logger      *logging.Logger
}

// Service orchestrates follow-ups from readiness to the terminal event.
type Service struct {
	cases     CaseReader
	owners    OwnerDirectory
	prefs     PreferenceSource
	identity  IdentityResolver
	tracker   *calls.Tracker
	generator generation.Client
	dispatch  dispatch.Client
	retry     *retry.Executor
	testMode  readiness.TestMode
	metrics   *metrics.FollowupMetrics
	logger    *logging.Logger
	now       func() time.Time
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	exec := cfg.Retry
	if exec == nil {
		exec = retry.NewExecutor(retry.DefaultMaxAttempts, logger)
	}
	return &Service{
		cases:     cfg.Cases,
		owners:    cfg.Owners,
		prefs:     cfg.Preferences,
		identity:  cfg.Identity,
		tracker:   cfg.Tracker,
		generator: cfg.Generator,
		dispatch:  cfg.Dispatch,
		retry:     exec,
		testMode:  cfg.TestMode,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// ScheduleRequest asks for a follow-up on one case. Channel is optional.
type ScheduleRequest struct {
	ClinicID string        `json:"clinic_id"`
	CaseID   string        `json:"case_id"`
	Channel  calls.Channel `json:"channel,omitempty"`
}

// ScheduleResult is the dispatched action and the readiness verdict that allowed it.
type ScheduleResult struct {
	Action    *calls.Action    `json:"action"`
	Readiness readiness.Result `json:"readiness"`
}

// Schedule evaluates the case, resolves identities, creates the action, generates the content
// and hands it to dispatch. Once the action exists any later failure marks it failed.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResult, error) {
	ctx, span := tracer.Start(ctx, "followup.Schedule")
	defer span.End()
	span.SetAttributes(attribute.String("clinic_id", req.ClinicID), attribute.String("case_id", req.CaseID))
	started := s.now()

	c, err := s.cases.GetCase(ctx, req.CaseID, s.predicate(ctx, req.ClinicID))
	if err != nil {
		span.RecordError(err)
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, req.CaseID)
		}
		return nil, fmt.Errorf("followup: load case: %w", err)
	}

	verdict := readiness.Evaluate(c.Readiness(), s.testMode)
	s.metrics.ObserveReadiness(readinessLabel(verdict))
	if !verdict.Ready {
		s.logger.Info("followup: case not ready",
			"case_id", c.ID, "missing", verdict.Missing, "excluded", verdict.Excluded, "reason", verdict.ExclusionReason)
		return nil, &NotReadyError{Result: verdict}
	}

	clinicID, ids, err := s.resolveIdentities(ctx, c)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	prefs, err := s.prefs.Get(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("followup: load preferences: %w", err)
	}
	channel, recipient, ok := pickChannel(prefs, verdict.Contact, req.Channel)
	if !ok {
		return nil, ErrNoChannel
	}
	scheduledFor := s.nextSlot(prefs, c.DischargedAt)

	meta := calls.Metadata{"case_type": c.CaseType}
	for k, v := range ids {
		meta[k] = v
	}
	if s.testMode.Enabled {
		meta["test_mode"] = true
	}
	action, err := s.tracker.Create(ctx, calls.NewAction{
		CaseID:       c.ID,
		ClinicID:     clinicID,
		OwnerID:      c.OwnerID,
		Channel:      channel,
		Recipient:    recipient,
		ScheduledFor: scheduledFor,
		Metadata:     meta,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("followup: create action: %w", err)
	}
	span.SetAttributes(attribute.String("action_id", action.ID.String()))
	logger := s.logger.With("action_id", action.ID.String(), "clinic_id", clinicID, "channel", channel)

	content, err := s.generate(ctx, action.ID, c, channel)
	if err != nil {
		return nil, s.abort(ctx, span, logger, action, "generation_failed", err)
	}

	externalID, err := s.schedule(ctx, action, c, content)
	if err != nil {
		return nil, s.abort(ctx, span, logger, action, "dispatch_failed", err)
	}

	dispatched, err := s.tracker.MarkDispatched(ctx, action.ID, externalID, inFlightStatus(channel))
	switch {
	case errors.Is(err, calls.ErrInvalidTransition) && dispatched != nil && dispatched.Status.IsTerminal():
		// The worker already delivered and reported before we got here.
		logger.Info("followup: delivery finished before dispatch was recorded", "status", dispatched.Status)
	case err != nil:
		span.RecordError(err)
		return nil, fmt.Errorf("followup: mark dispatched: %w", err)
	}

	s.metrics.ObserveScheduled(string(channel), "scheduled")
	s.metrics.ObserveDispatchLatency(string(channel), s.now().Sub(started).Seconds())
	logger.Info("followup: scheduled", "external_id", externalID, "scheduled_for", scheduledFor.Format(time.RFC3339))
	return &ScheduleResult{Action: dispatched, Readiness: verdict}, nil
}

func (s *Service) resolveIdentities(ctx context.Context, c *Case) (string, map[string]string, error) {
	clinicID := c.ClinicID
	ids := map[string]string{}
	if strings.TrimSpace(c.ClinicName) != "" {
		cl, err := s.identity.GetOrCreateClinic(ctx, identity.ClinicInput{
			Name:               c.ClinicName,
			ProvisioningSource: string(c.Source),
		})
		if err != nil {
			return "", nil, fmt.Errorf("followup: ensure clinic: %w", err)
		}
		if clinicID == "" {
			clinicID = cl.ID
		} else if cl.ID != clinicID {
			s.logger.Warn("followup: case clinic name resolves to another clinic",
				"case_id", c.ID, "clinic_id", clinicID, "resolved_clinic_id", cl.ID)
		}
	}
	if clinicID == "" {
		return "", nil, store.Validation("schedule", "discharge_case", "case has neither clinic id nor clinic name")
	}

	var providerID, patientID string
	g, gctx := errgroup.WithContext(ctx)
	if c.ProviderExternalID != "" {
		g.Go(func() error {
			p, err := s.identity.GetOrCreateProvider(gctx, identity.ProviderInput{
				ClinicID:   clinicID,
				ExternalID: c.ProviderExternalID,
				Name:       c.ProviderName,
				Role:       c.ProviderRole,
			})
			if err != nil {
				return fmt.Errorf("followup: ensure provider: %w", err)
			}
			providerID = p.ID
			return nil
		})
	}
	if c.ClientID != "" && c.PatientName != "" {
		g.Go(func() error {
			p, err := s.identity.RecordPatientVisit(gctx, identity.VisitInput{
				ClientID:     c.ClientID,
				Name:         c.PatientName,
				Demographics: c.Demographics,
				VisitedAt:    c.DischargedAt,
			})
			if err != nil {
				return fmt.Errorf("followup: record patient visit: %w", err)
			}
			patientID = p.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, err
	}
	if providerID != "" {
		ids["provider_id"] = providerID
	}
	if patientID != "" {
		ids["patient_id"] = patientID
	}
	return clinicID, ids, nil
}

// nextSlot never returns a time in the past: a late request runs at the next allowed instant
// from now.
func (s *Service) nextSlot(prefs *clinic.Preferences, dischargedAt time.Time) time.Time {
	now := s.now().UTC()
	if dischargedAt.IsZero() {
		dischargedAt = now
	}
	slot := prefs.NextSlot(dischargedAt)
	if slot.Before(now) {
		slot = businesshours.NextAllowedInstant(now, prefs.Timezone, prefs.Window)
	}
	return slot.UTC()
}

func (s *Service) generate(ctx context.Context, actionID uuid.UUID, c *Case, channel calls.Channel) (Content, error) {
	ctx, span := tracer.Start(ctx, "followup.generate")
	defer span.End()
	span.SetAttributes(attribute.String("action_id", actionID.String()))

	system, user := buildPrompt(c, channel)
	exec := s.retry.WithOnRetry(func(ctx context.Context, attempt int, err error) {
		s.metrics.ObserveRetry("generate")
	})
	content, err := retry.Run(ctx, exec, "generate", func(ctx context.Context) (Content, error) {
		reply, err := s.generator.Chat(ctx, system, user)
		if err != nil {
			return Content{}, err
		}
		return parseContent(reply, channel)
	}, nil)
	if err != nil {
		span.RecordError(err)
	}
	return content, err
}

func (s *Service) schedule(ctx context.Context, a *calls.Action, c *Case, content Content) (string, error) {
	ctx, span := tracer.Start(ctx, "followup.dispatch")
	defer span.End()

	recipient := dispatch.Recipient{Name: c.OwnerName}
	if a.Channel == calls.ChannelCall {
		recipient.Phone = a.Recipient
	} else {
		recipient.Email = a.Recipient
	}
	payload := dispatch.Payload{
		ActionID: a.ID.String(),
		ClinicID: a.ClinicID,
		CaseID:   a.CaseID,
		Channel:  string(a.Channel),
		Script:   content.Script,
		Subject:  content.Subject,
		Body:     content.Body,
	}

	exec := s.retry.WithOnRetry(func(ctx context.Context, attempt int, err error) {
		s.RecordRetry(ctx, a.ID.String())
	})
	externalID, err := retry.Run(ctx, exec, "dispatch", func(ctx context.Context) (string, error) {
		return s.dispatch.Schedule(ctx, recipient, payload, a.ScheduledFor)
	}, nil)
	if err != nil {
		span.RecordError(err)
	}
	return externalID, err
}

func (s *Service) abort(ctx context.Context, span trace.Span, logger *logging.Logger, a *calls.Action, reason string, cause error) error {
	span.RecordError(cause)
	s.metrics.ObserveScheduled(string(a.Channel), "failed")
	logger.Error("followup: scheduling failed", "reason", reason, "error", cause)
	if _, err := s.tracker.Fail(ctx, a.ID, fmt.Sprintf("%s: %v", reason, cause)); err != nil {
		logger.Error("followup: mark failed", "error", err)
	}
	return fmt.Errorf("followup: %s: %w", reason, cause)
}

// RecordRetry bumps the advisory retry counter. Failures are logged, never returned.
func (s *Service) RecordRetry(ctx context.Context, actionID string) {
	s.metrics.ObserveRetry("dispatch")
	id, err := uuid.Parse(actionID)
	if err != nil {
		s.logger.Warn("followup: retry for unknown action", "action_id", actionID)
		return
	}
	if _, err := s.tracker.IncrementRetryCount(ctx, id); err != nil {
		s.logger.Warn("followup: increment retry count", "action_id", actionID, "error", err)
	}
}

// Cancel stops a follow-up owned by clinicID. Queued actions are cancelled directly; dispatched
// ones are pulled from the delivery queue, which fails once delivery has started. Actions outside
// the clinic's scope report ErrActionNotFound.
func (s *Service) Cancel(ctx context.Context, clinicID string, actionID uuid.UUID) (*calls.Action, error) {
	ctx, span := tracer.Start(ctx, "followup.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("clinic_id", clinicID), attribute.String("action_id", actionID.String()))

	a, err := s.tracker.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !s.predicate(ctx, clinicID).Matches(a.ClinicID, a.OwnerID) {
		s.logger.Warn("followup: cancel outside clinic scope", "clinic_id", clinicID, "action_id", actionID.String())
		return nil, fmt.Errorf("%w: %s", calls.ErrActionNotFound, actionID)
	}
	switch {
	case a.Status == calls.StatusQueued:
		return s.tracker.Cancel(ctx, actionID, "cancelled_by_clinic")
	case a.Status.IsTerminal():
		return s.tracker.Cancel(ctx, actionID, "")
	case a.ExternalID == "":
		return a, fmt.Errorf("%w: no external id", calls.ErrNotCancellable)
	}

	if err := s.dispatch.Cancel(ctx, a.ExternalID); err != nil {
		span.RecordError(err)
		if errors.Is(err, dispatch.ErrAlreadyRunning) {
			return a, fmt.Errorf("%w: delivery already started", calls.ErrNotCancellable)
		}
		return a, fmt.Errorf("followup: cancel dispatch: %w", err)
	}
	return s.tracker.Terminate(ctx, actionID, calls.Outcome{Status: calls.StatusCancelled, Reason: "cancelled_before_delivery"})
}

// HandleEvent applies a progress or terminal event from the dispatch side. Terminal events are
// idempotent; late progress events for finished actions are ignored.
func (s *Service) HandleEvent(ctx context.Context, ev dispatch.Event) error {
	ctx, span := tracer.Start(ctx, "followup.HandleEvent")
	defer span.End()
	span.SetAttributes(attribute.String("status", ev.Status))

	a, err := s.eventAction(ctx, ev)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if len(ev.Metadata) > 0 {
		if _, err := s.tracker.MergeMetadata(ctx, a.ID, calls.Metadata(ev.Metadata)); err != nil {
			s.logger.Warn("followup: merge event metadata", "action_id", a.ID.String(), "error", err)
		}
	}

	status := calls.Status(strings.ToLower(strings.TrimSpace(ev.Status)))
	switch {
	case status == calls.StatusRinging || status == calls.StatusInProgress:
		_, err = s.tracker.MarkDispatched(ctx, a.ID, ev.ExternalID, status)
		if errors.Is(err, calls.ErrInvalidTransition) {
			s.logger.Info("followup: stale progress event ignored", "action_id", a.ID.String(), "status", status, "error", err)
			return nil
		}
		return err
	case status.IsTerminal():
		_, err = s.tracker.Terminate(ctx, a.ID, calls.Outcome{
			Status:          status,
			Reason:          ev.Reason,
			EndedAt:         ev.OccurredAt,
			DurationSeconds: ev.DurationSeconds,
			CostCents:       ev.CostCents,
		})
		return err
	default:
		return fmt.Errorf("%w: unknown event status %q", calls.ErrInvalidTransition, ev.Status)
	}
}

func (s *Service) eventAction(ctx context.Context, ev dispatch.Event) (*calls.Action, error) {
	if ev.ActionID != "" {
		id, err := uuid.Parse(ev.ActionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", calls.ErrActionNotFound, ev.ActionID)
		}
		return s.tracker.Get(ctx, id)
	}
	if ev.ExternalID != "" {
		if a := s.tracker.FindByExternalID(ctx, ev.ExternalID); a != nil {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: event without a known action", calls.ErrActionNotFound)
}

// List returns the clinic's follow-ups, including rows owned by its legacy owners.
func (s *Service) List(ctx context.Context, clinicID string, limit int) []calls.Action {
	return s.tracker.List(ctx, s.predicate(ctx, clinicID), limit)
}

// Stats counts the clinic's follow-ups per status.
func (s *Service) Stats(ctx context.Context, clinicID string) (calls.Stats, error) {
	return s.tracker.Stats(ctx, s.predicate(ctx, clinicID))
}

// predicate prefers legacy owners already on the context and otherwise asks the directory.
// A directory failure narrows the scope to the clinic itself.
func (s *Service) predicate(ctx context.Context, clinicID string) scope.Predicate {
	owners := tenancy.LegacyOwnerIDsFromContext(ctx)
	if owners == nil && s.owners != nil && clinicID != "" {
		ids, err := s.owners.LegacyOwnerIDs(ctx, clinicID)
		if err != nil {
			s.logger.Warn("followup: legacy owner lookup failed", "clinic_id", clinicID, "error", err)
		}
		owners = ids
	}
	return scope.Build(clinicID, owners)
}

func pickChannel(prefs *clinic.Preferences, dest readiness.Contact, requested calls.Channel) (calls.Channel, string, bool) {
	switch requested {
	case calls.ChannelCall:
		if prefs.CallEnabled && dest.Phone != "" {
			return calls.ChannelCall, dest.Phone, true
		}
		return "", "", false
	case calls.ChannelEmail:
		if prefs.EmailEnabled && dest.Email != "" {
			return calls.ChannelEmail, dest.Email, true
		}
		return "", "", false
	}
	return prefs.Channel(dest)
}

func inFlightStatus(channel calls.Channel) calls.Status {
	if channel == calls.ChannelCall {
		return calls.StatusRinging
	}
	return calls.StatusInProgress
}

func readinessLabel(r readiness.Result) string {
	switch {
	case r.Excluded:
		return "excluded"
	case r.Ready:
		return "ready"
	default:
		return "not_ready"
	}
}

var _ dispatch.EventSink = (*Service)(nil)
