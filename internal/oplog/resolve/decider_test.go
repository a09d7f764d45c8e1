package resolve

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localfirst/opsync/internal/oplog"
)

func conflictsFor(pairs ...interface{}) []oplog.EntityConflict {
	var out []oplog.EntityConflict
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, oplog.EntityConflict{
			EntityType:          pairs[i].(oplog.EntityType),
			EntityID:            "x",
			SuggestedResolution: pairs[i+1].(oplog.Resolution),
		})
	}
	return out
}

func TestSuggestedDecider(t *testing.T) {
	conflicts := conflictsFor(
		oplog.EntityTask, oplog.ResolveRemote,
		oplog.EntityTask, oplog.ResolveLocal,
		oplog.EntityTask, oplog.ResolveManual,
	)

	got, err := SuggestedDecider{}.Decide(context.Background(), conflicts)
	require.NoError(t, err)
	assert.Equal(t, []oplog.Resolution{oplog.ResolveRemote, oplog.ResolveLocal, oplog.ResolveSkip}, got)

	got, err = SuggestedDecider{Fallback: oplog.ResolveLocal}.Decide(context.Background(), conflicts)
	require.NoError(t, err)
	assert.Equal(t, oplog.ResolveLocal, got[2])
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Policy
		wantErr string
	}{
		{
			name:  "defaults",
			input: ``,
			want:  &Policy{Default: StrategySuggested, Manual: StrategySkip, Entities: map[string]Strategy{}},
		},
		{
			name: "entity rules",
			input: `
default = "local"
manual = "remote"

[entities]
task = "remote"
TAG = "skip"
`,
			want: &Policy{Default: StrategyLocal, Manual: StrategyRemote, Entities: map[string]Strategy{"TASK": StrategyRemote, "TAG": StrategySkip}},
		},
		{name: "bad strategy", input: `default = "newest"`, wantErr: "invalid default strategy"},
		{name: "manual cannot defer", input: `manual = "suggested"`, wantErr: "invalid manual strategy"},
		{name: "unknown key", input: `fallback = "local"`, wantErr: "unknown conflict policy keys: fallback"},
		{name: "bad entity rule", input: "[entities]\nTASK = \"maybe\"", wantErr: "invalid strategy"},
		{name: "syntax", input: `default = `, wantErr: "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePolicy(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conflicts.toml")
	require.NoError(t, os.WriteFile(path, []byte("default = \"remote\"\n"), 0o644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, StrategyRemote, p.Default)

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestPolicyDecider(t *testing.T) {
	p, err := ParsePolicy(`
manual = "local"

[entities]
TAG = "remote"
PROJECT = "skip"
`)
	require.NoError(t, err)

	got, err := PolicyDecider{Policy: p}.Decide(context.Background(), conflictsFor(
		oplog.EntityTag, oplog.ResolveLocal,
		oplog.EntityProject, oplog.ResolveRemote,
		oplog.EntityTask, oplog.ResolveRemote,
		oplog.EntityTask, oplog.ResolveManual,
	))
	require.NoError(t, err)
	assert.Equal(t, []oplog.Resolution{
		oplog.ResolveRemote,
		oplog.ResolveSkip,
		oplog.ResolveRemote,
		oplog.ResolveLocal,
	}, got)

	_, err = PolicyDecider{}.Decide(context.Background(), nil)
	assert.Error(t, err)
}
