package linkgroup

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/bridgeflow/transfer-engine/internal/domain"
)

type fakeRepo struct {
	tasks        map[string]*domain.TaskDefinition
	groupMembers map[string][]*domain.TaskDefinition
	linkedIDs    map[string][]string
	recorded     map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tasks:        make(map[string]*domain.TaskDefinition),
		groupMembers: make(map[string][]*domain.TaskDefinition),
		linkedIDs:    make(map[string][]string),
		recorded:     make(map[string]string),
	}
}

func (r *fakeRepo) GetTaskByID(_ context.Context, taskID string) (*domain.TaskDefinition, error) {
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return t, nil
}

func (r *fakeRepo) GetActiveAutoOrBoth(context.Context) ([]*domain.TaskDefinition, error) {
	return nil, nil
}

func (r *fakeRepo) UpdateStatus(context.Context, string, domain.ExecutionStatus, int) error {
	return nil
}

func (r *fakeRepo) AppendExecution(context.Context, string, *domain.TaskExecution) error {
	return nil
}

func (r *fakeRepo) FindGroupMembers(_ context.Context, groupTag string) ([]*domain.TaskDefinition, error) {
	return r.groupMembers[groupTag], nil
}

func (r *fakeRepo) FindLinked(_ context.Context, taskID string) ([]string, error) {
	return r.linkedIDs[taskID], nil
}

func (r *fakeRepo) RecordGroupExecution(_ context.Context, taskID, groupExecutionID string) error {
	r.recorded[taskID] = groupExecutionID
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLinkingInfoFor_NoLinks(t *testing.T) {
	repo := newFakeRepo()
	repo.tasks["t1"] = &domain.TaskDefinition{ID: "t1", Name: "orders"}
	c := &Coordinator{repo: repo, logger: discardLogger()}

	info, err := c.LinkingInfoFor(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.HasLinks {
		t.Fatal("expected HasLinks false for a task with no group or linked tasks")
	}
	if len(info.Members) != 1 || info.Members[0].ID != "t1" {
		t.Fatalf("expected members to be just the task itself, got %+v", info.Members)
	}
}

func TestLinkingInfoFor_GroupTagTakesPrecedence(t *testing.T) {
	repo := newFakeRepo()
	repo.tasks["t1"] = &domain.TaskDefinition{ID: "t1", Name: "orders", LinkedGroup: "g1", LinkedTasks: []string{"ignored"}}
	repo.groupMembers["g1"] = []*domain.TaskDefinition{
		{ID: "t1", Name: "orders", LinkedGroup: "g1", LinkedExecutionOrder: 1},
		{ID: "t2", Name: "order_lines", LinkedGroup: "g1", LinkedExecutionOrder: 2, PostUpdateQuery: "UPDATE dbo.orders SET synced=true"},
	}
	c := &Coordinator{repo: repo, logger: discardLogger()}

	info, err := c.LinkingInfoFor(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.HasLinks || info.GroupTag != "g1" {
		t.Fatalf("expected group resolution via linkedGroup, got %+v", info)
	}
	if len(info.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(info.Members))
	}
	if info.CoordinatorTaskID != "t2" {
		t.Fatalf("expected t2 (the one with postUpdateQuery) to be coordinator, got %q", info.CoordinatorTaskID)
	}
	if info.IsCoordinator {
		t.Fatal("t1 is not the coordinator")
	}
}

func TestLinkingInfoFor_ExplicitLinkedTasksOrderedByExecutionOrder(t *testing.T) {
	repo := newFakeRepo()
	repo.tasks["t1"] = &domain.TaskDefinition{ID: "t1", Name: "a", LinkedTasks: []string{"t2"}, LinkedExecutionOrder: 2}
	repo.tasks["t2"] = &domain.TaskDefinition{ID: "t2", Name: "b", LinkedExecutionOrder: 1}
	repo.linkedIDs["t1"] = []string{"t2"}
	c := &Coordinator{repo: repo, logger: discardLogger()}

	info, err := c.LinkingInfoFor(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(info.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(info.Members))
	}
	if info.Members[0].ID != "t2" || info.Members[1].ID != "t1" {
		t.Fatalf("expected members ordered by linkedExecutionOrder (t2 then t1), got %s then %s",
			info.Members[0].ID, info.Members[1].ID)
	}
}

func TestFindCoordinator_NoneReturnsEmpty(t *testing.T) {
	members := []*domain.TaskDefinition{{ID: "a"}, {ID: "b"}}
	if got := findCoordinator(members, discardLogger()); got != "" {
		t.Fatalf("expected no coordinator, got %q", got)
	}
}

func TestFindCoordinator_MultipleUsesFirst(t *testing.T) {
	members := []*domain.TaskDefinition{
		{ID: "a", PostUpdateQuery: "UPDATE x"},
		{ID: "b", PostUpdateQuery: "UPDATE y"},
	}
	if got := findCoordinator(members, discardLogger()); got != "a" {
		t.Fatalf("expected first candidate 'a', got %q", got)
	}
}
