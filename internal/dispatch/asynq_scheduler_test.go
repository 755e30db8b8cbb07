package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	calls []enqueued
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.calls = append(f.calls, enqueued{task: task, opts: opts})
	if f.err != nil {
		return nil, f.err
	}
	info := &asynq.TaskInfo{Type: task.Type(), Payload: task.Payload(), Queue: defaultQueue}
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			info.ID = o.Value().(string)
		}
	}
	return info, nil
}

type fakeInspector struct {
	deleted []string
	err     error
	state   asynq.TaskState
}

func (f *fakeInspector) DeleteTask(queue, id string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeInspector) GetTaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{ID: id, Queue: queue, State: f.state}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) (any, bool) {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value(), true
		}
	}
	return nil, false
}

func TestScheduleEnqueuesAtDueTime(t *testing.T) {
	enq := &fakeEnqueuer{}
	s := newAsynqScheduler(enq, &fakeInspector{}, "", nil)
	due := time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC)

	id, err := s.Schedule(context.Background(),
		Recipient{Name: "Dana", Phone: "+12015550123"},
		Payload{ActionID: "a-1", ClinicID: "c-1", Channel: "call", Script: "hello"},
		due,
	)
	require.NoError(t, err)
	assert.Equal(t, "followup-a-1", id)
	require.Len(t, enq.calls, 1)

	call := enq.calls[0]
	assert.Equal(t, TypeFollowupCall, call.task.Type())
	at, ok := optionValue(call.opts, asynq.ProcessAtOpt)
	require.True(t, ok)
	assert.True(t, due.Equal(at.(time.Time)))
	queue, _ := optionValue(call.opts, asynq.QueueOpt)
	assert.Equal(t, defaultQueue, queue)

	var msg taskMessage
	require.NoError(t, json.Unmarshal(call.task.Payload(), &msg))
	assert.Equal(t, "+12015550123", msg.Recipient.Phone)
	assert.Equal(t, "hello", msg.Payload.Script)
	assert.True(t, due.Equal(msg.DueAt))
}

func TestScheduleTreatsDuplicateTaskAsScheduled(t *testing.T) {
	s := newAsynqScheduler(&fakeEnqueuer{err: asynq.ErrTaskIDConflict}, &fakeInspector{}, "q", nil)
	id, err := s.Schedule(context.Background(), Recipient{Email: "dana@clinic-owner.com"},
		Payload{ActionID: "a-2", Channel: "email"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, TaskID("a-2"), id)
}

func TestScheduleValidates(t *testing.T) {
	s := newAsynqScheduler(&fakeEnqueuer{}, &fakeInspector{}, "q", nil)
	ctx := context.Background()

	_, err := s.Schedule(ctx, Recipient{Phone: "+12015550123"}, Payload{Channel: "call"}, time.Now())
	assert.Error(t, err)

	_, err = s.Schedule(ctx, Recipient{Phone: "+12015550123"}, Payload{ActionID: "a", Channel: "sms"}, time.Now())
	assert.ErrorIs(t, err, ErrUnsupportedChannel)

	_, err = s.Schedule(ctx, Recipient{Phone: "+12015550123"}, Payload{ActionID: "a", Channel: "email"}, time.Now())
	assert.ErrorContains(t, err, "email required")
}

func TestScheduleWrapsEnqueueError(t *testing.T) {
	cause := errors.New("redis down")
	s := newAsynqScheduler(&fakeEnqueuer{err: cause}, &fakeInspector{}, "q", nil)
	_, err := s.Schedule(context.Background(), Recipient{Phone: "+12015550123"}, Payload{ActionID: "a", Channel: "call"}, time.Now())
	assert.ErrorIs(t, err, cause)
}

func TestCancelDeletesPendingTask(t *testing.T) {
	insp := &fakeInspector{}
	s := newAsynqScheduler(&fakeEnqueuer{}, insp, "q", nil)
	require.NoError(t, s.Cancel(context.Background(), "followup-a-1"))
	assert.Equal(t, []string{"followup-a-1"}, insp.deleted)
}

func TestCancelReportsRunningTask(t *testing.T) {
	tests := []struct {
		name string
		insp *fakeInspector
	}{
		{"gone", &fakeInspector{err: asynq.ErrTaskNotFound}},
		{"active", &fakeInspector{err: errors.New("cannot delete active task"), state: asynq.TaskStateActive}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newAsynqScheduler(&fakeEnqueuer{}, tt.insp, "q", nil)
			err := s.Cancel(context.Background(), "followup-a-1")
			assert.ErrorIs(t, err, ErrAlreadyRunning)
		})
	}
}

func TestRedisConnOpt(t *testing.T) {
	opt, err := RedisConnOpt("redis://:secret@cache.internal:6380/2", "", false)
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 2, opt.DB)
	assert.Nil(t, opt.TLSConfig)

	opt, err = RedisConnOpt("localhost:6379", "pw", true)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opt.Addr)
	assert.Equal(t, "pw", opt.Password)
	assert.NotNil(t, opt.TLSConfig)

	_, err = RedisConnOpt(" ", "", false)
	assert.Error(t, err)
}
