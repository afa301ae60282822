package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOrder() *WorkOrder {
	return &WorkOrder{
		ID:                  NewID("wo"),
		Task:                "add a health endpoint to the API server",
		Source:              WorkspaceSource{Kind: SourceLocal, Path: "/tmp/ws"},
		Driver:              "mock",
		MaxIterations:       3,
		MaxWallClockSeconds: 600,
		CreatedAt:           time.Now().UTC(),
	}
}

func TestWorkOrderValidate(t *testing.T) {
	require.NoError(t, validOrder().Validate())

	short := validOrder()
	short.Task = "fix it"
	assert.Error(t, short.Validate())

	noDriver := validOrder()
	noDriver.Driver = ""
	assert.Error(t, noDriver.Validate())

	tooMany := validOrder()
	tooMany.MaxIterations = 11
	assert.Error(t, tooMany.Validate())

	tooFew := validOrder()
	tooFew.MaxIterations = 0
	assert.Error(t, tooFew.Validate())

	fastClock := validOrder()
	fastClock.MaxWallClockSeconds = 30
	assert.Error(t, fastClock.Validate())
}

func TestWorkspaceSourceValidate(t *testing.T) {
	cases := []struct {
		name   string
		source WorkspaceSource
		ok     bool
	}{
		{"local ok", WorkspaceSource{Kind: SourceLocal, Path: "/tmp"}, true},
		{"local missing path", WorkspaceSource{Kind: SourceLocal}, false},
		{"git ok", WorkspaceSource{Kind: SourceGit, URL: "https://example.com/r.git"}, true},
		{"git missing url", WorkspaceSource{Kind: SourceGit}, false},
		{"fresh ok", WorkspaceSource{Kind: SourceFresh, DestPath: "/tmp/new"}, true},
		{"github missing repo", WorkspaceSource{Kind: SourceGitHub, Owner: "acme"}, false},
		{"unknown kind", WorkspaceSource{Kind: "svn"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.source.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRunCompleteFirstObservationWins(t *testing.T) {
	run := &Run{ID: NewID("run")}
	first := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	run.Complete(ResultPassed, first)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, ResultPassed, run.Result)

	// A later completion attempt must not overwrite the first.
	run.Complete(ResultFailedError, first.Add(time.Hour))
	assert.Equal(t, ResultPassed, run.Result)
	assert.Equal(t, first, *run.CompletedAt)
}

func TestNewIDPrefixes(t *testing.T) {
	id := NewID("wo")
	assert.True(t, strings.HasPrefix(id, "wo_"), "id %q", id)
	assert.NotEqual(t, NewID("wo"), NewID("wo"))
}

func TestSnapshotChanged(t *testing.T) {
	same := Snapshot{BeforeSHA: "abc", AfterSHA: "abc"}
	assert.False(t, same.Changed())
	diff := Snapshot{BeforeSHA: "abc", AfterSHA: "def"}
	assert.True(t, diff.Changed())
}
