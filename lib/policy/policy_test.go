// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/chime/types"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	birthday := mustBirthday(t, BirthdayConfig{})

	require.NoError(t, registry.Register(types.EventTypeBirthday, birthday))

	got, err := registry.Get(types.EventTypeBirthday)
	require.NoError(t, err)
	require.Equal(t, birthday, got)

	_, err = registry.Get("ANNIVERSARY")
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	err = registry.Register(types.EventTypeBirthday, birthday)
	require.Error(t, err)
	require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)

	require.Error(t, registry.Register("", birthday))
	require.Error(t, registry.Register("REMINDER", nil))

	require.NoError(t, registry.Register("ANNIVERSARY", birthday))
	require.Equal(t, []string{"ANNIVERSARY", types.EventTypeBirthday}, registry.Types())
}

func TestParseWallClock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    WallClock
		wantErr bool
	}{
		{input: "09:00:00", want: WallClock{Hour: 9}},
		{input: "23:59:59", want: WallClock{Hour: 23, Minute: 59, Second: 59}},
		{input: "00:00:00", want: WallClock{}},
		{input: "14:30", want: WallClock{Hour: 14, Minute: 30}},
		{input: "24:00:00", wantErr: true},
		{input: "09:60:00", wantErr: true},
		{input: "9 am", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseWallClock(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestWallClockString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "09:00:00", WallClock{Hour: 9}.String())
	require.Equal(t, "23:05:09", WallClock{Hour: 23, Minute: 5, Second: 9}.String())

	// String output parses back to the same value.
	wc, err := ParseWallClock(WallClock{Hour: 2, Minute: 30}.String())
	require.NoError(t, err)
	require.Equal(t, WallClock{Hour: 2, Minute: 30}, wc)
}
