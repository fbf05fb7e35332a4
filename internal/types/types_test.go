package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagValidation(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		flag    Flag
		wantErr string
	}{
		{
			name: "valid flag",
			flag: Flag{Value: "FLAG{a}", FirstSeen: now, State: StatePending},
		},
		{
			name:    "missing value",
			flag:    Flag{FirstSeen: now, State: StatePending},
			wantErr: "flag value is required",
		},
		{
			name:    "missing first seen",
			flag:    Flag{Value: "FLAG{a}", State: StatePending},
			wantErr: "first_seen is required",
		},
		{
			name:    "bogus state",
			flag:    Flag{Value: "FLAG{a}", FirstSeen: now, State: "bogus"},
			wantErr: "invalid state",
		},
		{
			name:    "negative retries",
			flag:    Flag{Value: "FLAG{a}", FirstSeen: now, State: StateError, RetryCount: -1},
			wantErr: "retry_count must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flag.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range AllStates {
		want := s != StatePending && s != StateError
		assert.Equal(t, want, s.IsTerminal(), "state %s", s)
	}
	assert.False(t, State("bogus").IsTerminal())
}

func TestRetryEligible(t *testing.T) {
	f := Flag{State: StatePending}
	assert.True(t, f.RetryEligible(0))

	f = Flag{State: StateError, RetryCount: 3}
	assert.True(t, f.RetryEligible(3))
	assert.False(t, f.RetryEligible(2))

	f = Flag{State: StateValid}
	assert.False(t, f.RetryEligible(10))
}

func TestVerdictState(t *testing.T) {
	cases := map[Verdict]State{
		VerdictValid:            StateValid,
		VerdictAlreadySubmitted: StateAlreadySubmitted,
		VerdictInvalid:          StateInvalid,
		VerdictExpired:          StateExpired,
		VerdictOwn:              StateOwn,
		VerdictNOPTeam:          StateNOPTeam,
		VerdictError:            StateError,
	}
	for v, want := range cases {
		assert.True(t, v.IsValid())
		assert.Equal(t, want, v.State(), "verdict %s", v)
	}
	assert.False(t, Verdict("nope").IsValid())
}

func TestParseState(t *testing.T) {
	s, err := ParseState(" Pending ")
	require.NoError(t, err)
	assert.Equal(t, StatePending, s)

	_, err = ParseState("done")
	assert.Error(t, err)
}

func TestDeadline(t *testing.T) {
	first := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	f := Flag{FirstSeen: first}
	assert.Equal(t, first.Add(time.Minute), f.Deadline(time.Minute))
}
