package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"flagsync/internal/model"
	"flagsync/internal/repository"
	"flagsync/internal/testutil"
	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/constraints"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusError int

func (e statusError) Error() string   { return fmt.Sprintf("edge returned %d", int(e)) }
func (e statusError) HTTPStatus() int { return int(e) }

type stubSender struct {
	mu   sync.Mutex
	reqs []v1.ForwardRequest
	err  error
}

func (s *stubSender) Forward(_ context.Context, req v1.ForwardRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.err
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func TestEdgeForwarder_Disabled(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	sender := &stubSender{}
	f := NewEdgeForwarder(repository.NewOutboxRepository(db), sender, false, time.Second, 0, nil)

	assert.False(t, f.Enabled())
	f.Forward(context.Background(), v1.ForwardRequest{Method: http.MethodPost, Path: constraints.EdgePathTraits})

	var n int64
	require.NoError(t, db.Model(&model.OutboxTask{}).Count(&n).Error)
	assert.Zero(t, n)
	assert.Zero(t, sender.count())

	var nilForwarder *EdgeForwarder
	assert.False(t, nilForwarder.Enabled())
}

func TestEdgeForwarder_DeliversAfterEnqueue(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	sender := &stubSender{}
	f := NewEdgeForwarder(repository.NewOutboxRepository(db), sender, true, time.Second, time.Minute, nil)

	ctx, cancel := context.WithCancel(WithTraceID(context.Background(), "trace-9"))
	f.Forward(ctx, v1.ForwardRequest{
		Method:    http.MethodPost,
		Path:      constraints.EdgePathTraits,
		Headers:   map[string]string{constraints.HeaderEnvironmentKey: "client-abc"},
		ProjectID: 3,
		Payload:   []byte(`{"trait_key":"a"}`),
	})
	// the request being over must not stop delivery
	cancel()

	assert.Eventually(t, func() bool {
		var task model.OutboxTask
		if err := db.First(&task).Error; err != nil {
			return false
		}
		return task.Status == model.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.reqs, 1)
	got := sender.reqs[0]
	assert.Equal(t, "client-abc", got.Headers[constraints.HeaderEnvironmentKey])
	assert.Equal(t, "application/json", got.Headers[constraints.HeaderContentType])
	assert.Equal(t, "trace-9", got.Headers[constraints.HeaderTraceID])
	assert.EqualValues(t, 3, got.ProjectID)
	assert.JSONEq(t, `{"trait_key":"a"}`, string(got.Payload))
}

func TestEdgeForwarder_FailureLeftForWorker(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	sender := &stubSender{err: statusError(http.StatusBadGateway)}
	f := NewEdgeForwarder(repository.NewOutboxRepository(db), sender, true, time.Second, time.Minute, nil)

	before := time.Now().UTC()
	f.Forward(context.Background(), v1.ForwardRequest{Method: http.MethodPut, Path: constraints.EdgePathBulkTraits})
	assert.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	var task model.OutboxTask
	require.NoError(t, db.First(&task).Error)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.True(t, task.NextAttemptAt.After(before.Add(50*time.Second)))
}

func TestEdgeForwarder_HandleClassifiesErrors(t *testing.T) {
	task := model.OutboxTask{Kind: model.TaskEdgeForward, Payload: `{"method":"POST","path":"traits/"}`}
	var permanent *backoff.PermanentError

	cases := []struct {
		err       error
		permanent bool
	}{
		{statusError(http.StatusBadRequest), true},
		{fmt.Errorf("wrapped: %w", statusError(http.StatusForbidden)), true},
		{statusError(http.StatusTooManyRequests), false},
		{statusError(http.StatusServiceUnavailable), false},
		{errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		f := NewEdgeForwarder(nil, &stubSender{err: tc.err}, true, time.Second, 0, nil)
		err := f.Handle(context.Background(), task)
		require.Error(t, err)
		assert.Equal(t, tc.permanent, errors.As(err, &permanent), tc.err.Error())
	}

	f := NewEdgeForwarder(nil, &stubSender{}, true, time.Second, 0, nil)
	require.NoError(t, f.Handle(context.Background(), task))

	err := f.Handle(context.Background(), model.OutboxTask{Payload: "not json"})
	assert.True(t, errors.As(err, &permanent))
}
