package cleanup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (log *callLog) add(call string) {
	log.mu.Lock()
	defer log.mu.Unlock()
	log.calls = append(log.calls, call)
}

func (log *callLog) snapshot() []string {
	log.mu.Lock()
	defer log.mu.Unlock()
	return append([]string(nil), log.calls...)
}

type fakeCleaner struct {
	descriptor Descriptor
	calls      *callLog
	// candidates per region; a region missing from the map has none.
	candidates map[string][]Resource
	outcomes   []Outcome
	cleanErr   error
	openErr    error
	listErr    error
	refresh    func(resource Resource) (Resource, bool, error)

	mu           sync.Mutex
	cleaned      int
	refreshCalls int
}

func newFakeCleaner(test *testing.T, calls *callLog, resourceType string, depends ...string) *fakeCleaner {
	test.Helper()
	descriptor, err := NewDescriptor(resourceType, depends...)
	require.NoError(test, err)
	return &fakeCleaner{descriptor: descriptor, calls: calls}
}

func (cleaner *fakeCleaner) Descriptor() Descriptor {
	return cleaner.descriptor
}

func (cleaner *fakeCleaner) Open(_ context.Context, scope Scope) (Session, error) {
	if cleaner.openErr != nil {
		return nil, cleaner.openErr
	}
	session := &fakeSession{cleaner: cleaner, scope: scope}
	if cleaner.refresh != nil {
		return &refreshingSession{fakeSession: session}, nil
	}
	return session, nil
}

type fakeSession struct {
	cleaner *fakeCleaner
	scope   Scope
}

func (session *fakeSession) ListCandidates(context.Context) ([]Resource, error) {
	if session.cleaner.listErr != nil {
		return nil, session.cleaner.listErr
	}
	return session.cleaner.candidates[session.scope.Region], nil
}

func (session *fakeSession) CleanOne(_ context.Context, resource Resource) (Result, error) {
	cleaner := session.cleaner
	if cleaner.calls != nil {
		cleaner.calls.add(cleaner.descriptor.ResourceType + "/" + session.scope.Region + "/" + resource.ID)
	}
	if cleaner.cleanErr != nil {
		return Result{}, cleaner.cleanErr
	}
	cleaner.mu.Lock()
	defer cleaner.mu.Unlock()
	outcome := OutcomeSuccess
	if cleaner.cleaned < len(cleaner.outcomes) {
		outcome = cleaner.outcomes[cleaner.cleaned]
	}
	cleaner.cleaned++
	return Result{ResourceID: resource.ID, Outcome: outcome}, nil
}

type refreshingSession struct {
	*fakeSession
}

func (session *refreshingSession) Refresh(_ context.Context, resource Resource) (Resource, bool, error) {
	cleaner := session.cleaner
	cleaner.mu.Lock()
	cleaner.refreshCalls++
	cleaner.mu.Unlock()
	return cleaner.refresh(resource)
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogCleanup(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func noSleep(context.Context, time.Duration) error { return nil }

func mustDriver(test *testing.T, regions []string, optionList ...Option) *Driver {
	test.Helper()
	driver, err := NewDriver(regions, append([]Option{WithSleeper(noSleep)}, optionList...)...)
	require.NoError(test, err)
	return driver
}
