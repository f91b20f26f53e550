package humanrequests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/errs"
	"github.com/d8ops/controlplane/internal/model"
)

type recordingNotifier struct {
	notified chan model.HumanRequest
}

func (n *recordingNotifier) Notify(ctx context.Context, req model.HumanRequest) error {
	n.notified <- req
	return nil
}

func TestLifecycle_PendingApprovedCompleted(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	cost := 15.0
	req, err := s.Create(model.RequestPayment, "pay invoice", "desc", "installer", 8, &cost)
	require.NoError(t, err)
	assert.Equal(t, "req-0001", req.RequestID)
	assert.Equal(t, model.RequestPending, req.State)

	approved, err := s.Approve(req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestApproved, approved.State)
	assert.NotNil(t, approved.ApprovedAt)

	actual := 14.88
	completed, err := s.Complete(req.RequestID, &actual, "")
	require.NoError(t, err)
	assert.Equal(t, model.RequestCompleted, completed.State)
	assert.Equal(t, 14.88, *completed.ActualCost)
	assert.Equal(t, 15.0, *completed.EstimatedCost)
	assert.NotNil(t, completed.CompletedAt)

	_, err = s.Reject(req.RequestID)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInvalidStateTransition))
}

func TestRequestIDs_Monotonic(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	r1, err := s.Create(model.RequestOther, "a", "", "x", 1, nil)
	require.NoError(t, err)
	r2, err := s.Create(model.RequestOther, "b", "", "x", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "req-0001", r1.RequestID)
	assert.Equal(t, "req-0002", r2.RequestID)
}

func TestCreate_NotifiesBestEffort(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	n := &recordingNotifier{notified: make(chan model.HumanRequest, 1)}
	s.SetNotifier(n)

	req, err := s.Create(model.RequestOther, "t", "d", "x", 5, nil)
	require.NoError(t, err)

	select {
	case got := <-n.notified:
		assert.Equal(t, req.RequestID, got.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("notifier was not called")
	}
}

func TestList_OrderedByPriorityThenCreatedAt(t *testing.T) {
	s, err := New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	_, err = s.Create(model.RequestOther, "low", "", "x", 2, nil)
	require.NoError(t, err)
	_, err = s.Create(model.RequestOther, "high", "", "x", 9, nil)
	require.NoError(t, err)

	list := s.List(model.RequestPending)
	require.Len(t, list, 2)
	assert.Equal(t, "high", list[0].Title)
	assert.Equal(t, "low", list[1].Title)
}
