package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/vet-followup/pkg/logging"
)

const defaultQueue = "followups"

// taskRetention keeps finished tasks visible to the inspector for a day.
const taskRetention = 24 * time.Hour

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type taskInspector interface {
	DeleteTask(queue, id string) error
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// AsynqScheduler queues follow-ups in redis until their due time.
type AsynqScheduler struct {
	client    enqueuer
	inspector taskInspector
	queue     string
	logger    *logging.Logger
	closers   []func() error
}

// NewAsynqScheduler connects a client and inspector to the same redis.
func NewAsynqScheduler(opt asynq.RedisConnOpt, queue string, logger *logging.Logger) *AsynqScheduler {
	client := asynq.NewClient(opt)
	inspector := asynq.NewInspector(opt)
	s := newAsynqScheduler(client, inspector, queue, logger)
	s.closers = []func() error{client.Close, inspector.Close}
	return s
}

func newAsynqScheduler(client enqueuer, inspector taskInspector, queue string, logger *logging.Logger) *AsynqScheduler {
	if strings.TrimSpace(queue) == "" {
		queue = defaultQueue
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AsynqScheduler{client: client, inspector: inspector, queue: queue, logger: logger}
}

// Close releases the redis connections.
func (s *AsynqScheduler) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// TaskID is the asynq task id for an action. Scheduling the same action twice
// collapses onto one task.
func TaskID(actionID string) string {
	return "followup-" + actionID
}

// Schedule enqueues the follow-up to run at whenUTC and returns the task id.
func (s *AsynqScheduler) Schedule(ctx context.Context, recipient Recipient, payload Payload, whenUTC time.Time) (string, error) {
	if strings.TrimSpace(payload.ActionID) == "" {
		return "", fmt.Errorf("dispatch: action id required")
	}
	typ, err := taskType(payload.Channel)
	if err != nil {
		return "", err
	}
	if err := validateRecipient(typ, recipient); err != nil {
		return "", err
	}

	data, err := json.Marshal(taskMessage{Recipient: recipient, Payload: payload, DueAt: whenUTC.UTC()})
	if err != nil {
		return "", fmt.Errorf("dispatch: marshal task: %w", err)
	}

	id := TaskID(payload.ActionID)
	task := asynq.NewTask(typ, data)
	info, err := s.client.EnqueueContext(ctx, task,
		asynq.ProcessAt(whenUTC),
		asynq.Queue(s.queue),
		asynq.TaskID(id),
		asynq.MaxRetry(0),
		asynq.Retention(taskRetention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		s.logger.Info("dispatch: task already scheduled", "action_id", payload.ActionID, "task_id", id)
		return id, nil
	}
	if err != nil {
		return "", fmt.Errorf("dispatch: enqueue %s: %w", typ, err)
	}

	s.logger.Info("dispatch: follow-up scheduled",
		"action_id", payload.ActionID,
		"clinic_id", payload.ClinicID,
		"type", typ,
		"task_id", info.ID,
		"process_at", whenUTC.UTC().Format(time.RFC3339),
	)
	return info.ID, nil
}

// Cancel removes a task that has not started yet.
func (s *AsynqScheduler) Cancel(ctx context.Context, externalID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(externalID) == "" {
		return fmt.Errorf("dispatch: external id required")
	}
	err := s.inspector.DeleteTask(s.queue, externalID)
	switch {
	case err == nil:
		s.logger.Info("dispatch: task cancelled", "task_id", externalID)
		return nil
	case errors.Is(err, asynq.ErrTaskNotFound):
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, externalID)
	case errors.Is(err, asynq.ErrQueueNotFound):
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, externalID)
	}

	// Active tasks cannot be deleted.
	if info, infoErr := s.inspector.GetTaskInfo(s.queue, externalID); infoErr == nil && info.State == asynq.TaskStateActive {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, externalID)
	}
	return fmt.Errorf("dispatch: delete task %s: %w", externalID, err)
}

// RedisConnOpt builds asynq connection options from either a redis:// URL or a host:port address.
func RedisConnOpt(addr, password string, useTLS bool) (asynq.RedisClientOpt, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return asynq.RedisClientOpt{}, fmt.Errorf("dispatch: redis address required")
	}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return asynq.RedisClientOpt{}, fmt.Errorf("dispatch: parse redis url: %w", err)
		}
		if password == "" {
			password = opt.Password
		}
		tlsConfig := opt.TLSConfig
		if tlsConfig == nil && useTLS {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return asynq.RedisClientOpt{Addr: opt.Addr, Password: password, DB: opt.DB, TLSConfig: tlsConfig}, nil
	}

	opt := asynq.RedisClientOpt{Addr: addr, Password: password}
	if useTLS {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opt, nil
}
