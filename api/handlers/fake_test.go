package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/openfang/openfang/orchestrator/store"
	"github.com/openfang/openfang/types"
)

func jsonBody(s string) io.Reader { return strings.NewReader(s) }

// fakeService is a canned-response Service for handler tests.
type fakeService struct {
	agents map[string]*types.AgentDefinition
	runs   map[string]*types.Run

	registerErr error
	submitErr   error
	healthyErr  error

	lastFilter     store.RunFilter
	cancelledRuns  []string
	streamSnapshot string
	streamCh       chan []byte
	detached       bool
	depth          int
}

func newFakeService() *fakeService {
	return &fakeService{
		agents: make(map[string]*types.AgentDefinition),
		runs:   make(map[string]*types.Run),
	}
}

func (f *fakeService) RegisterAgent(_ context.Context, def *types.AgentDefinition) (*types.AgentDefinition, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	if def.Name == "" || !def.Runtime.Valid() {
		return nil, types.NewError(types.ErrInvalidRequest, "name and runtime are required").
			WithHTTPStatus(http.StatusBadRequest)
	}
	out := *def
	out.ID = "agent-" + def.Name
	out.Version = 1
	f.agents[out.ID] = &out
	return &out, nil
}

func (f *fakeService) GetAgent(_ context.Context, id string) (*types.AgentDefinition, error) {
	def, ok := f.agents[id]
	if !ok {
		return nil, types.NewNotFoundError(types.ErrAgentNotFound, "agent not found: "+id)
	}
	return def, nil
}

func (f *fakeService) ListAgents(context.Context) ([]*types.AgentDefinition, error) {
	out := make([]*types.AgentDefinition, 0, len(f.agents))
	for _, def := range f.agents {
		out = append(out, def)
	}
	return out, nil
}

func (f *fakeService) DeleteAgent(_ context.Context, id string) error {
	if _, ok := f.agents[id]; !ok {
		return types.NewNotFoundError(types.ErrAgentNotFound, "agent not found: "+id)
	}
	delete(f.agents, id)
	return nil
}

func (f *fakeService) SubmitRun(_ context.Context, req *types.RunRequest) (*types.Run, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	run := &types.Run{ID: "run-1", AgentID: req.AgentID, State: types.RunQueued, Priority: req.Priority}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeService) GetRun(_ context.Context, id string) (*types.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, types.NewNotFoundError(types.ErrRunNotFound, "run not found: "+id)
	}
	return run, nil
}

func (f *fakeService) ListRuns(_ context.Context, filter store.RunFilter) ([]*types.Run, error) {
	f.lastFilter = filter
	out := make([]*types.Run, 0, len(f.runs))
	for _, run := range f.runs {
		if filter.Matches(run) {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeService) CancelRun(ctx context.Context, id string) (*types.Run, error) {
	run, err := f.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if !run.IsTerminal() {
		run.State = types.RunCancelled
	}
	f.cancelledRuns = append(f.cancelledRuns, id)
	return run, nil
}

func (f *fakeService) StreamOutput(ctx context.Context, id string) (string, <-chan []byte, func(), error) {
	run, err := f.GetRun(ctx, id)
	if err != nil {
		return "", nil, nil, err
	}
	if run.IsTerminal() || f.streamCh == nil {
		return run.Output, nil, func() {}, nil
	}
	return f.streamSnapshot, f.streamCh, func() { f.detached = true }, nil
}

func (f *fakeService) Stats(context.Context) (*store.Stats, error) {
	return &store.Stats{
		TotalAgents: int64(len(f.agents)),
		TotalRuns:   int64(len(f.runs)),
	}, nil
}

func (f *fakeService) QueueDepth() int { return f.depth }

func (f *fakeService) Healthy(context.Context) error { return f.healthyErr }
