// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package toolname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Name
		wantErr bool
	}{
		{
			name:  "three segments",
			input: "A__instanceA__echo",
			want:  Name{BackendID: "A", Instance: "instanceA", Tool: "echo"},
		},
		{
			name:  "tool name keeps extra separators",
			input: "b1__github__create__issue",
			want:  Name{BackendID: "b1", Instance: "github", Tool: "create__issue"},
		},
		{name: "bare name", input: "echo", wantErr: true},
		{name: "two segments", input: "A__echo", wantErr: true},
		{name: "empty backend", input: "__inst__echo", wantErr: true},
		{name: "empty instance", input: "A____echo", wantErr: true},
		{name: "empty tool", input: "A__inst__", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	t.Parallel()

	q := Format("3f2a", NormalizeInstanceName("My  GitHub (work)"), "list_repos")
	assert.Equal(t, "3f2a__My_GitHub_work__list_repos", q)

	n, err := Parse(q)
	require.NoError(t, err)
	assert.Equal(t, "3f2a", n.BackendID)
	assert.Equal(t, "My_GitHub_work", n.Instance)
	assert.Equal(t, "list_repos", n.Tool)
}

func TestNormalizeInstanceName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"instanceA":        "instanceA",
		"Slack Workspace":  "Slack_Workspace",
		"a__b":             "a_b",
		"__lead and trail": "lead_and_trail",
		"dash-ok":          "dash-ok",
		"ünïcode name":     "n_code_name",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeInstanceName(in), in)
	}
}
