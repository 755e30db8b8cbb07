package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/wolfman30/vet-followup/internal/retry"
	"github.com/wolfman30/vet-followup/pkg/logging"
)

// Event reports progress or a terminal outcome for an action.
type Event struct {
	ActionID        string         `json:"action_id,omitempty"`
	ExternalID      string         `json:"external_id,omitempty"`
	Status          string         `json:"status"`
	Reason          string         `json:"reason,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at,omitempty"`
	DurationSeconds *int           `json:"duration_seconds,omitempty"`
	CostCents       *int           `json:"cost_cents,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// EventSink receives delivery results. The follow-up service implements it.
type EventSink interface {
	HandleEvent(ctx context.Context, ev Event) error
	RecordRetry(ctx context.Context, actionID string)
}

// CallPlacer starts an outbound call.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req CallRequest) (*CallResponse, error)
}

// WorkerConfig configures the task server.
type WorkerConfig struct {
	Queue       string
	Concurrency int
	FromNumber  string
	AssistantID string
}

// Worker executes due follow-up tasks.
type Worker struct {
	cfg    WorkerConfig
	calls  CallPlacer
	email  EmailSender
	sink   EventSink
	retry  *retry.Executor
	logger *logging.Logger
	mux    *asynq.ServeMux
	server *asynq.Server
}

// NewWorker wires the handlers. calls or email may be nil when that channel is not configured.
func NewWorker(cfg WorkerConfig, calls CallPlacer, email EmailSender, sink EventSink, exec *retry.Executor, logger *logging.Logger) *Worker {
	if cfg.Queue == "" {
		cfg.Queue = defaultQueue
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 10
	}
	if logger == nil {
		logger = logging.Default()
	}
	if exec == nil {
		exec = retry.NewExecutor(retry.DefaultMaxAttempts, logger)
	}
	w := &Worker{cfg: cfg, calls: calls, email: email, sink: sink, retry: exec, logger: logger, mux: asynq.NewServeMux()}
	w.mux.HandleFunc(TypeFollowupCall, w.handleCall)
	w.mux.HandleFunc(TypeFollowupEmail, w.handleEmail)
	return w
}

// Run serves tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, opt asynq.RedisConnOpt) error {
	w.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: w.cfg.Concurrency,
		Queues:      map[string]int{w.cfg.Queue: 1},
	})
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("dispatch: start worker: %w", err)
	}
	w.logger.Info("dispatch: worker started", "queue", w.cfg.Queue, "concurrency", w.cfg.Concurrency)
	<-ctx.Done()
	w.server.Shutdown()
	w.logger.Info("dispatch: worker stopped")
	return nil
}

func decodeTask(task *asynq.Task) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal(task.Payload(), &msg); err != nil {
		return msg, fmt.Errorf("dispatch: decode %s: %w: %w", task.Type(), err, asynq.SkipRetry)
	}
	if msg.Payload.ActionID == "" {
		return msg, fmt.Errorf("dispatch: %s without action id: %w", task.Type(), asynq.SkipRetry)
	}
	return msg, nil
}

func (w *Worker) executor(actionID string) *retry.Executor {
	if w.sink == nil {
		return w.retry
	}
	return w.retry.WithOnRetry(func(ctx context.Context, attempt int, err error) {
		w.sink.RecordRetry(ctx, actionID)
	})
}

func (w *Worker) handleCall(ctx context.Context, task *asynq.Task) error {
	msg, err := decodeTask(task)
	if err != nil {
		return err
	}
	logger := w.logger.With("action_id", msg.Payload.ActionID, "clinic_id", msg.Payload.ClinicID)
	if w.calls == nil {
		return w.fail(ctx, logger, msg.Payload.ActionID, errors.New("dispatch: voice channel not configured"))
	}

	req := CallRequest{
		From:          w.cfg.FromNumber,
		To:            msg.Recipient.Phone,
		AIAssistantID: w.cfg.AssistantID,
		DynamicVariables: map[string]string{
			"followup_script": msg.Payload.Script,
			"owner_name":      msg.Recipient.Name,
			"case_id":         msg.Payload.CaseID,
		},
	}
	call, err := retry.Run(ctx, w.executor(msg.Payload.ActionID), "dispatch.call", func(ctx context.Context) (*CallResponse, error) {
		return w.calls.PlaceCall(ctx, req)
	}, nil)
	if err != nil {
		return w.fail(ctx, logger, msg.Payload.ActionID, err)
	}

	return w.report(ctx, logger, Event{
		ActionID: msg.Payload.ActionID,
		Status:   "in_progress",
		Metadata: map[string]any{
			"call_control_id": call.CallControlID,
			"call_session_id": call.CallSessionID,
		},
	})
}

func (w *Worker) handleEmail(ctx context.Context, task *asynq.Task) error {
	msg, err := decodeTask(task)
	if err != nil {
		return err
	}
	logger := w.logger.With("action_id", msg.Payload.ActionID, "clinic_id", msg.Payload.ClinicID)
	if w.email == nil {
		return w.fail(ctx, logger, msg.Payload.ActionID, errors.New("dispatch: email channel not configured"))
	}

	email := EmailMessage{
		To:      msg.Recipient.Email,
		ToName:  msg.Recipient.Name,
		Subject: msg.Payload.Subject,
		Body:    msg.Payload.Body,
	}
	err = retry.Do(ctx, w.executor(msg.Payload.ActionID), "dispatch.email", func(ctx context.Context) error {
		return w.email.Send(ctx, email)
	}, nil)
	if err != nil {
		return w.fail(ctx, logger, msg.Payload.ActionID, err)
	}

	return w.report(ctx, logger, Event{
		ActionID:   msg.Payload.ActionID,
		Status:     "completed",
		Reason:     "email_sent",
		OccurredAt: time.Now().UTC(),
	})
}

// fail records the failure and stops asynq from re-running a task whose retries are already spent.
func (w *Worker) fail(ctx context.Context, logger *logging.Logger, actionID string, cause error) error {
	logger.Error("dispatch: delivery failed", "error", cause)
	if w.sink != nil {
		ev := Event{ActionID: actionID, Status: "failed", Reason: cause.Error(), OccurredAt: time.Now().UTC()}
		if err := w.sink.HandleEvent(ctx, ev); err != nil {
			logger.Error("dispatch: report failure", "error", err)
		}
	}
	return fmt.Errorf("%w: %w", cause, asynq.SkipRetry)
}

// report never fails the task: the delivery already happened and must not be repeated.
func (w *Worker) report(ctx context.Context, logger *logging.Logger, ev Event) error {
	if w.sink == nil {
		return nil
	}
	if err := w.sink.HandleEvent(ctx, ev); err != nil {
		logger.Error("dispatch: report outcome", "status", ev.Status, "error", err)
	}
	return nil
}
