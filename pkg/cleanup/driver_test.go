package cleanup

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

func mustAccountID(test *testing.T, raw string) pool.AccountID {
	test.Helper()
	accountID, err := pool.NewAccountID(raw)
	require.NoError(test, err)
	return accountID
}

func TestDriverRetriesUntilGone(test *testing.T) {
	test.Parallel()
	cleaner := newFakeCleaner(test, nil, "InternetGateway")
	cleaner.candidates = map[string][]Resource{"eu-west-1": {{ID: "igw-1"}}}
	cleaner.outcomes = []Outcome{OutcomeRetry, OutcomeRetry, OutcomeSuccess}
	cleaner.refresh = func(resource Resource) (Resource, bool, error) { return resource, true, nil }
	var delays []time.Duration
	driver := mustDriver(test, []string{"eu-west-1"}, WithRetryDelay(250*time.Millisecond), WithSleeper(func(_ context.Context, delay time.Duration) error {
		delays = append(delays, delay)
		return nil
	}))

	err := driver.RunCleaner(context.Background(), mustAccountID(test, "123456789012"), cleaner)
	require.NoError(test, err)
	require.Equal(test, 3, cleaner.cleaned)
	require.Equal(test, 2, cleaner.refreshCalls)
	require.Equal(test, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, delays)
}

func TestDriverTreatsVanishedResourceAsDone(test *testing.T) {
	test.Parallel()
	cleaner := newFakeCleaner(test, nil, "Volume")
	cleaner.candidates = map[string][]Resource{"eu-west-1": {{ID: "vol-1"}}}
	cleaner.outcomes = []Outcome{OutcomeRetry, OutcomeError}
	cleaner.refresh = func(Resource) (Resource, bool, error) { return Resource{}, false, nil }
	driver := mustDriver(test, []string{"eu-west-1"})

	require.NoError(test, driver.RunCleaner(context.Background(), mustAccountID(test, "123456789012"), cleaner))
	require.Equal(test, 1, cleaner.cleaned)
	require.Equal(test, 1, cleaner.refreshCalls)
}

func TestDriverDefaultRefreshKeepsResource(test *testing.T) {
	test.Parallel()
	cleaner := newFakeCleaner(test, nil, "ElasticIp")
	cleaner.candidates = map[string][]Resource{"eu-west-1": {{ID: "eipalloc-1"}}}
	cleaner.outcomes = []Outcome{OutcomeRetry, OutcomeSuccess}
	driver := mustDriver(test, []string{"eu-west-1"})

	require.NoError(test, driver.RunCleaner(context.Background(), mustAccountID(test, "123456789012"), cleaner))
	require.Equal(test, 2, cleaner.cleaned)
}

func TestDriverAbortsOnErrorOutcome(test *testing.T) {
	test.Parallel()
	calls := &callLog{}
	cleaner := newFakeCleaner(test, calls, "Subnet")
	cleaner.candidates = map[string][]Resource{"eu-west-1": {{ID: "subnet-1"}, {ID: "subnet-2"}}}
	cleaner.outcomes = []Outcome{OutcomeError}
	driver := mustDriver(test, []string{"eu-west-1"})

	err := driver.RunCleaner(context.Background(), mustAccountID(test, "123456789012"), cleaner)
	require.ErrorIs(test, err, ErrCleanerFailed)
	var resourceErr ResourceError
	require.ErrorAs(test, err, &resourceErr)
	require.Equal(test, "subnet-1", resourceErr.ResourceID)
	require.Equal(test, []string{"Subnet/eu-west-1/subnet-1"}, calls.snapshot())
}

func TestDriverRejectsUnknownOutcome(test *testing.T) {
	test.Parallel()
	cleaner := newFakeCleaner(test, nil, "Subnet")
	cleaner.candidates = map[string][]Resource{"eu-west-1": {{ID: "subnet-1"}}}
	cleaner.outcomes = []Outcome{Outcome("maybe")}
	driver := mustDriver(test, []string{"eu-west-1"})

	err := driver.RunCleaner(context.Background(), mustAccountID(test, "123456789012"), cleaner)
	require.ErrorIs(test, err, ErrUnsupportedOutcome)
}

func TestDriverHonorsMaxAttempts(test *testing.T) {
	test.Parallel()
	cleaner := newFakeCleaner(test, nil, "Volume")
	cleaner.candidates = map[string][]Resource{"eu-west-1": {{ID: "vol-1"}}}
	cleaner.outcomes = []Outcome{OutcomeRetry, OutcomeRetry, OutcomeRetry, OutcomeRetry}
	driver := mustDriver(test, []string{"eu-west-1"}, WithMaxAttempts(3))

	err := driver.RunCleaner(context.Background(), mustAccountID(test, "123456789012"), cleaner)
	require.ErrorIs(test, err, ErrRetryLimitReached)
	require.Equal(test, 3, cleaner.cleaned)
}

func TestDriverFansOutAcrossRegions(test *testing.T) {
	test.Parallel()
	calls := &callLog{}
	cleaner := newFakeCleaner(test, calls, "SecurityGroup")
	cleaner.candidates = map[string][]Resource{
		"eu-west-1": {{ID: "sg-1"}, {ID: "sg-2"}},
		"us-east-1": {{ID: "sg-3"}},
	}
	driver := mustDriver(test, []string{"eu-west-1", "us-east-1", "eu-west-1", " "})
	require.Equal(test, []string{"eu-west-1", "us-east-1"}, driver.Regions())

	require.NoError(test, driver.RunCleaner(context.Background(), mustAccountID(test, "123456789012"), cleaner))
	got := calls.snapshot()
	sort.Strings(got)
	require.Equal(test, []string{
		"SecurityGroup/eu-west-1/sg-1",
		"SecurityGroup/eu-west-1/sg-2",
		"SecurityGroup/us-east-1/sg-3",
	}, got)
}

func TestDriverRunsGlobalCleanerInFirstRegionOnly(test *testing.T) {
	test.Parallel()
	calls := &callLog{}
	cleaner := newFakeCleaner(test, calls, "IamRole")
	cleaner.descriptor = cleaner.descriptor.AccountWide()
	cleaner.candidates = map[string][]Resource{
		"eu-west-1": {{ID: "role-1"}},
		"us-east-1": {{ID: "role-1"}},
	}
	driver := mustDriver(test, []string{"eu-west-1", "us-east-1"})

	require.NoError(test, driver.RunCleaner(context.Background(), mustAccountID(test, "123456789012"), cleaner))
	require.Equal(test, []string{"IamRole/eu-west-1/role-1"}, calls.snapshot())
}

func TestDriverPropagatesSessionFailures(test *testing.T) {
	test.Parallel()
	cleaner := newFakeCleaner(test, nil, "Vpc")
	cleaner.openErr = errors.New("assume role denied")
	driver := mustDriver(test, []string{"eu-west-1"})

	err := driver.RunCleaner(context.Background(), mustAccountID(test, "123456789012"), cleaner)
	require.ErrorContains(test, err, "assume role denied")
}

func TestNewDriverRequiresRegions(test *testing.T) {
	test.Parallel()
	_, err := NewDriver([]string{" "})
	require.ErrorIs(test, err, ErrInvalidConfig)
}
