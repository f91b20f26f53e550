// Package humanrequests is the Human Request Store: a single-writer
// durable queue of paused control-plane actions awaiting an external
// decision, with typed atomic state transitions.
package humanrequests

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/errs"
	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/storage"
)

// Notifier is a best-effort listener notified when a request is created.
// The Telegram bot (out of scope here) is the production implementation's
// intended subscriber; the dashboard event hub is wired as a second one.
type Notifier interface {
	Notify(ctx context.Context, req model.HumanRequest) error
}

// storeDoc is the on-disk document at human_requests/requests.json.
type storeDoc struct {
	Counter  int                   `json:"counter"`
	Requests []*model.HumanRequest `json:"requests"`
}

// Store is the master-side Human Request Store.
type Store struct {
	mu       sync.Mutex
	counter  int
	requests map[string]*model.HumanRequest
	dataDir  string
	logger   *zap.Logger
	notifier Notifier
}

// New constructs a Store rooted at dataDir, loading any existing document.
func New(dataDir string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		requests: make(map[string]*model.HumanRequest),
		dataDir:  dataDir,
		logger:   logger.Named("humanrequests"),
	}

	var doc storeDoc
	if err := storage.ReadJSON(s.path(), &doc); err == nil {
		s.counter = doc.Counter
		for _, r := range doc.Requests {
			s.requests[r.RequestID] = r
		}
	}
	return s, nil
}

// SetNotifier registers the best-effort Create listener.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *Store) path() string {
	return filepath.Join(s.dataDir, "human_requests", "requests.json")
}

func (s *Store) persistLocked() error {
	out := make([]*model.HumanRequest, 0, len(s.requests))
	for _, r := range s.requests {
		cp := *r
		out = append(out, &cp)
	}
	return storage.WriteJSON(s.path(), storeDoc{Counter: s.counter, Requests: out})
}

// Create makes a new pending HumanRequest and best-effort notifies the
// registered listener. Notifier failure never fails the create.
func (s *Store) Create(typ model.RequestType, title, description, createdBy string, priority int, estimatedCost *float64) (*model.HumanRequest, error) {
	s.mu.Lock()
	s.counter++
	req := &model.HumanRequest{
		RequestID:     fmt.Sprintf("req-%04d", s.counter),
		Type:          typ,
		Title:         title,
		Description:   description,
		EstimatedCost: estimatedCost,
		Priority:      priority,
		State:         model.RequestPending,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     createdBy,
	}
	s.requests[req.RequestID] = req
	err := s.persistLocked()
	notifier := s.notifier
	s.mu.Unlock()

	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "persist human request", err)
	}

	if notifier != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := notifier.Notify(ctx, *req); err != nil {
				s.logger.Warn("human request notification failed", zap.String("request_id", req.RequestID), zap.Error(err))
			}
		}()
	}

	cp := *req
	return &cp, nil
}

func (s *Store) transition(requestID string, allowedFrom []model.RequestState, apply func(*model.HumanRequest)) (*model.HumanRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "unknown human request "+requestID)
	}

	allowed := false
	for _, st := range allowedFrom {
		if r.State == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, errs.New(errs.KindInvalidStateTransition, "cannot transition "+requestID+" from "+string(r.State))
	}

	apply(r)
	if err := s.persistLocked(); err != nil {
		return nil, errs.Wrap(errs.KindFatal, "persist human request", err)
	}
	cp := *r
	return &cp, nil
}

// Approve moves a pending request to approved.
func (s *Store) Approve(requestID string) (*model.HumanRequest, error) {
	return s.transition(requestID, []model.RequestState{model.RequestPending}, func(r *model.HumanRequest) {
		now := time.Now().UTC()
		r.State = model.RequestApproved
		r.ApprovedAt = &now
	})
}

// Reject moves a pending request to rejected.
func (s *Store) Reject(requestID string) (*model.HumanRequest, error) {
	return s.transition(requestID, []model.RequestState{model.RequestPending}, func(r *model.HumanRequest) {
		r.State = model.RequestRejected
	})
}

// Complete moves an approved request to completed, recording actual_cost.
func (s *Store) Complete(requestID string, actualCost *float64, notes string) (*model.HumanRequest, error) {
	return s.transition(requestID, []model.RequestState{model.RequestApproved}, func(r *model.HumanRequest) {
		now := time.Now().UTC()
		r.State = model.RequestCompleted
		r.CompletedAt = &now
		r.ActualCost = actualCost
		if notes != "" {
			r.Notes = notes
		}
	})
}

// Cancel moves a pending or approved request to cancelled.
func (s *Store) Cancel(requestID string) (*model.HumanRequest, error) {
	return s.transition(requestID, []model.RequestState{model.RequestPending, model.RequestApproved}, func(r *model.HumanRequest) {
		r.State = model.RequestCancelled
	})
}

// Get returns one request by id.
func (s *Store) Get(requestID string) (*model.HumanRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// List returns requests filtered by state (empty string means all),
// ordered by priority desc then created_at asc.
func (s *Store) List(state model.RequestState) []*model.HumanRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.HumanRequest
	for _, r := range s.requests {
		if state != "" && r.State != state {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
