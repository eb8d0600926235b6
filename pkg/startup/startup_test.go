package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStartup(maxAttempts int) *Startup {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewStartup(logger, maxAttempts).WithBackoffUnit(time.Millisecond)
}

func recorder(log *[]string, name string, requires ...string) Func {
	return Func{
		Name:     name,
		Requires: requires,
		OnStart:  func(context.Context) error { *log = append(*log, "start "+name); return nil },
		OnStop:   func(context.Context) error { *log = append(*log, "stop "+name); return nil },
	}
}

func TestStartup_StartsRequirementsFirst(t *testing.T) {
	var log []string
	s := newTestStartup(1)
	s.AddDependency(recorder(&log, "workers", "queue"))
	s.AddDependency(recorder(&log, "queue", "redis"))
	s.AddDependency(recorder(&log, "redis"))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{"start redis", "start queue", "start workers"}, log)
	assert.Equal(t, StatusStarted, s.Status("workers"))

	log = nil
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"stop workers", "stop queue", "stop redis"}, log)
	assert.Equal(t, StatusStopped, s.Status("redis"))
}

func TestStartup_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	s := newTestStartup(3)
	s.AddDependency(Func{Name: "redis", OnStart: func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, calls)
}

func TestStartup_GivesUp(t *testing.T) {
	s := newTestStartup(2)
	s.AddDependency(Func{Name: "redis", OnStart: func(context.Context) error { return errors.New("connection refused") }})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, StatusFailed, s.Status("redis"))
}

func TestStartup_UnknownRequirement(t *testing.T) {
	s := newTestStartup(1)
	s.AddDependency(Func{Name: "queue", Requires: []string{"redis"}})

	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "unknown dependency 'redis'")
}

func TestStartup_Cycle(t *testing.T) {
	s := newTestStartup(1)
	s.AddDependency(Func{Name: "a", Requires: []string{"b"}})
	s.AddDependency(Func{Name: "b", Requires: []string{"a"}})

	assert.ErrorContains(t, s.Start(context.Background()), "cycle")
}
