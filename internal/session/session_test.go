package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionStartsInStarting(t *testing.T) {
	now := time.Now()
	s := New("id-1", "+15551234567", "system design", now)

	assert.Equal(t, StatusStarting, s.Status)
	assert.Equal(t, "system design", s.Topic)
	assert.Nil(t, s.EndTime)
	assert.Empty(t, s.Transcript)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusStarting, StatusInProgress, true},
		{StatusStarting, StatusFailed, true},
		{StatusStarting, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusStarting, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusFailed, StatusStarting, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionSetsEndTimeOnce(t *testing.T) {
	start := time.Now()
	s := New("id-1", "+1", "go", start)

	require.NoError(t, s.Transition(StatusInProgress, start.Add(time.Second)))
	assert.Nil(t, s.EndTime)

	end := start.Add(time.Minute)
	require.NoError(t, s.Transition(StatusCompleted, end))
	require.NotNil(t, s.EndTime)
	assert.Equal(t, end, *s.EndTime)

	err := s.Transition(StatusFailed, end.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, end, *s.EndTime)
	assert.Equal(t, time.Minute, s.Duration(time.Now()))
}

func TestCloneIsolatesTranscript(t *testing.T) {
	s := New("id-1", "+1", "go", time.Now())
	turn, err := NewTurn(RoleUser, "hello", time.Now())
	require.NoError(t, err)
	s.Append(turn)

	clone := s.Clone()
	clone.Transcript[0].Content = "changed"
	clone.Append(turn)

	assert.Equal(t, "hello", s.Transcript[0].Content)
	assert.Len(t, s.Transcript, 1)
}

func TestNewTurnRejectsUnknownRole(t *testing.T) {
	_, err := NewTurn(Role("narrator"), "x", time.Now())
	assert.ErrorIs(t, err, ErrInvalidRole)
}
