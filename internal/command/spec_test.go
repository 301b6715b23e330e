package command

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseSelector(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		category string
		alias    string
		hasAlias bool
		wantErr  bool
	}{
		{name: "alias", input: "mongod.0", category: "mongod", alias: "mongod.0", hasAlias: true},
		{name: "category", input: "workload_client", category: "workload_client"},
		{name: "all", input: "all", category: AllHosts},
		{name: "dotted category", input: "rs.primary", category: "rs.primary"},
		{name: "trailing dot", input: "mongod.", category: "mongod."},
		{name: "empty", input: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := ParseSelector(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.category, sel.Category)
			alias, ok := sel.Alias()
			assert.Equal(t, tt.hasAlias, ok)
			assert.Equal(t, tt.alias, alias)
		})
	}
}

func TestSelectorDecoding(t *testing.T) {
	var fromJSON struct {
		A Selector `json:"a"`
		B Selector `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"mongod.1","b":{"category":"mongos","offset":2}}`), &fromJSON))
	assert.Equal(t, "mongod.1", fromJSON.A.String())
	assert.Equal(t, "mongos.2", fromJSON.B.String())

	var fromYAML struct {
		A Selector `yaml:"a"`
		B Selector `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: all\nb:\n  category: configsvr\n"), &fromYAML))
	assert.True(t, fromYAML.A.IsAll())
	assert.Equal(t, "configsvr", fromYAML.B.String())
	_, ok := fromYAML.B.Alias()
	assert.False(t, ok)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "1m30s", want: 90 * time.Second},
		{input: "00:01:30", want: 90 * time.Second},
		{input: "250", want: 250 * time.Millisecond},
		{input: "soon", wantErr: true},
		{input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseDuration(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}

func TestSpecValidate(t *testing.T) {
	target := MustSelector("mongod.0")
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{name: "exec", spec: Spec{Target: target, Exec: []string{"true"}}},
		{name: "upload", spec: Spec{Target: target, Upload: &Transfer{Local: "a", Remote: "b"}}},
		{name: "create file", spec: Spec{Target: target, CreateFile: &FileContent{Path: "/tmp/x"}}},
		{name: "no operation", spec: Spec{Target: target}, wantErr: true},
		{name: "two operations", spec: Spec{Target: target, Exec: []string{"true"}, Download: &Transfer{Local: "a", Remote: "b"}}, wantErr: true},
		{name: "empty argv", spec: Spec{Target: target, Exec: []string{}}, wantErr: true},
		{name: "blank argv", spec: Spec{Target: target, Exec: []string{" "}}, wantErr: true},
		{name: "missing target", spec: Spec{Exec: []string{"true"}}, wantErr: true},
		{name: "transfer without remote", spec: Spec{Target: target, Upload: &Transfer{Local: "a"}}, wantErr: true},
		{name: "negative timeout", spec: Spec{Target: target, Exec: []string{"true"}, Timeout: Duration(-time.Second)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfiguration)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTimedSpecDecoding(t *testing.T) {
	doc := `
- at: 5s
  name: fsync
  target: mongod
  exec: ["mongo", "--eval", "db.fsyncLock()"]
  timeout: 2s
- name: no-offset
  target: all
  exec: ["true"]
`
	var entries []TimedSpec
	require.NoError(t, yaml.Unmarshal([]byte(doc), &entries))
	require.Len(t, entries, 2)

	require.NotNil(t, entries[0].At)
	assert.Equal(t, 5*time.Second, entries[0].At.Std())
	assert.Equal(t, "fsync", entries[0].Name)
	assert.Equal(t, 2*time.Second, entries[0].Timeout.Std())
	assert.Equal(t, "mongod", entries[0].Target.String())

	assert.Nil(t, entries[1].At)

	var fromJSON TimedSpec
	require.NoError(t, json.Unmarshal([]byte(`{"at":1000,"target":"all","exec":["true"]}`), &fromJSON))
	require.NotNil(t, fromJSON.At)
	assert.Equal(t, time.Second, fromJSON.At.Std())
	assert.NoError(t, fromJSON.Validate())
}
