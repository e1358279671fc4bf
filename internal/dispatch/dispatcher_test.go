package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"scribeq/internal/ledger"
	"scribeq/internal/models"
	"scribeq/internal/pricing"
	"scribeq/internal/routing"
	"scribeq/internal/store"
)

type fakeStore struct {
	created []store.CreateJobParams
	failed  []string
	audits  []string
}

func (f *fakeStore) CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error) {
	f.created = append(f.created, p)
	return models.Job{
		ID:        "job-1",
		Type:      p.Type,
		Queue:     p.Queue,
		UserID:    p.UserID,
		Payload:   p.Payload,
		State:     models.StatePending,
		NextRunAt: p.RunAt,
	}, nil
}

func (f *fakeStore) Fail(ctx context.Context, id string, errMsg string) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	f.audits = append(f.audits, event)
	return nil
}

type fakeBroker struct {
	enqueued []string
	lanes    []models.QueueClass
	err      error
}

func (f *fakeBroker) Enqueue(ctx context.Context, jobID string, lane models.QueueClass, runAt time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, jobID)
	f.lanes = append(f.lanes, lane)
	return nil
}

type fakeLedgerStore struct {
	balances map[int64]float64
	applied  int
}

func (f *fakeLedgerStore) Apply(ctx context.Context, p ledger.ApplyParams) (models.CreditTransaction, bool, error) {
	f.applied++
	f.balances[p.UserID] += p.Amount
	return models.CreditTransaction{}, true, nil
}

func (f *fakeLedgerStore) Transaction(ctx context.Context, jobID string, kind models.MutationKind) (models.CreditTransaction, bool, error) {
	return models.CreditTransaction{}, false, nil
}

func (f *fakeLedgerStore) Balance(ctx context.Context, userID int64) (float64, error) {
	return f.balances[userID], nil
}

func newTestDispatcher(st *fakeStore, broker *fakeBroker, balances map[int64]float64) *Dispatcher {
	led := ledger.NewCoordinator(&fakeLedgerStore{balances: balances}, 1, 0)
	return New(routing.NewTable(), pricing.Default(), st, broker, led)
}

func TestSubmitEnqueuesOnCorrectLane(t *testing.T) {
	st := &fakeStore{}
	broker := &fakeBroker{}
	d := newTestDispatcher(st, broker, map[int64]float64{7: 100})

	id, err := d.Submit(context.Background(), models.TypeTranscribe, map[string]any{"duration_minutes": 5.0}, 7)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatal("submit returned empty job id")
	}
	if len(st.created) != 1 || st.created[0].Queue != models.QueueHigh {
		t.Fatalf("created = %+v, want one high-lane job", st.created)
	}
	if len(broker.enqueued) != 1 || broker.lanes[0] != models.QueueHigh {
		t.Fatalf("enqueued = %v on %v", broker.enqueued, broker.lanes)
	}
}

func TestSubmitUnknownTypeRejected(t *testing.T) {
	st := &fakeStore{}
	broker := &fakeBroker{}
	d := newTestDispatcher(st, broker, map[int64]float64{7: 100})

	_, err := d.Submit(context.Background(), "mine_bitcoin", nil, 7)
	var unknown routing.ErrUnknownJobType
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
	if len(st.created) != 0 || len(broker.enqueued) != 0 {
		t.Fatal("rejected submission must not write anything")
	}
}

func TestSubmitInsufficientCreditsWritesNothing(t *testing.T) {
	st := &fakeStore{}
	broker := &fakeBroker{}
	d := newTestDispatcher(st, broker, map[int64]float64{7: 1})

	_, err := d.Submit(context.Background(), models.TypeTranscribe, map[string]any{"duration_minutes": 60.0}, 7)
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if len(st.created) != 0 {
		t.Fatal("insufficient credits must reject before the job row is written")
	}
	if len(broker.enqueued) != 0 {
		t.Fatal("insufficient credits must not enqueue")
	}
}

func TestSubmitSystemUserSkipsBilling(t *testing.T) {
	st := &fakeStore{}
	broker := &fakeBroker{}
	d := newTestDispatcher(st, broker, map[int64]float64{})

	// Maintenance payloads carry no pricing fields; the system user must not
	// be estimated or balance-checked.
	id, err := d.Submit(context.Background(), models.TypeCleanupTemp, nil, SystemUser)
	if err != nil {
		t.Fatalf("system submit: %v", err)
	}
	if id == "" {
		t.Fatal("system submit returned empty id")
	}
	if broker.lanes[0] != models.QueueLow {
		t.Fatalf("cleanup enqueued on %s, want low", broker.lanes[0])
	}
}

func TestSubmitEnqueueFailureReturnsNoID(t *testing.T) {
	st := &fakeStore{}
	broker := &fakeBroker{err: errors.New("redis down")}
	d := newTestDispatcher(st, broker, map[int64]float64{7: 100})

	id, err := d.Submit(context.Background(), models.TypeFileValidate, nil, 7)
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	if id != "" {
		t.Fatalf("no id may escape a failed enqueue, got %q", id)
	}
	// The orphaned row is failed so it never looks pending forever.
	if len(st.failed) != 1 {
		t.Fatalf("failed rows = %v, want the orphaned job", st.failed)
	}
}

func TestSubmitAtDefersFirstRun(t *testing.T) {
	st := &fakeStore{}
	broker := &fakeBroker{}
	d := newTestDispatcher(st, broker, map[int64]float64{})

	runAt := time.Now().Add(time.Hour)
	if _, err := d.SubmitAt(context.Background(), models.TypeUsageReport, nil, SystemUser, runAt); err != nil {
		t.Fatalf("submit at: %v", err)
	}
	if !st.created[0].RunAt.Equal(runAt) {
		t.Fatalf("run at = %s, want %s", st.created[0].RunAt, runAt)
	}
}
