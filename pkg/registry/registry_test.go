// SPDX-FileCopyrightText: Copyright 2025 HiveMatrix, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivematrix/nexus/pkg/auth"
)

const sampleDocument = `{
	"helm": {"url": "http://10.0.0.10:5010", "visible": true},
	"codex": {"url": "http://10.0.0.11:5020", "visible": true},
	"ledger": {"url": "http://10.0.0.12:5030", "visible": true, "billing_or_admin_only": true},
	"architect": {"url": "http://10.0.0.13:5040", "visible": true, "admin_only": true},
	"core": {"url": "http://10.0.0.14:5000"}
}`

func TestParsePreservesDocumentOrder(t *testing.T) {
	t.Parallel()

	snap, err := Parse([]byte(sampleDocument))
	require.NoError(t, err)
	require.Equal(t, 5, snap.Len())

	var names []string
	for _, e := range snap.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"helm", "codex", "ledger", "architect", "core"}, names)
}

func TestParseFieldMapping(t *testing.T) {
	t.Parallel()

	snap, err := Parse([]byte(sampleDocument))
	require.NoError(t, err)

	helm, ok := snap.Lookup("helm")
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.10:5010", helm.Origin.String())
	assert.True(t, helm.Visible)
	assert.Equal(t, auth.RoleUser, helm.MinRole)

	ledger, ok := snap.Lookup("ledger")
	require.True(t, ok)
	assert.Equal(t, auth.RoleBilling, ledger.MinRole)

	architect, ok := snap.Lookup("architect")
	require.True(t, ok)
	assert.Equal(t, auth.RoleAdmin, architect.MinRole)

	// visible defaults to false
	core, ok := snap.Lookup("core")
	require.True(t, ok)
	assert.False(t, core.Visible)

	_, ok = snap.Lookup("unknown")
	assert.False(t, ok)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "not an object",
			doc:     `["helm"]`,
			wantErr: "must be a JSON object",
		},
		{
			name:    "duplicate service",
			doc:     `{"helm": {"url": "http://a:1"}, "helm": {"url": "http://b:2"}}`,
			wantErr: "duplicate service name",
		},
		{
			name:    "missing url",
			doc:     `{"helm": {"visible": true}}`,
			wantErr: "missing required field url",
		},
		{
			name:    "relative url",
			doc:     `{"helm": {"url": "10.0.0.10:5010"}}`,
			wantErr: "non-absolute url",
		},
		{
			name:    "bad scheme",
			doc:     `{"helm": {"url": "ftp://10.0.0.10:5010"}}`,
			wantErr: "unsupported scheme",
		},
		{
			name:    "uppercase name",
			doc:     `{"Helm": {"url": "http://10.0.0.10:5010"}}`,
			wantErr: "invalid service name",
		},
		{
			name:    "name with slash",
			doc:     `{"helm/x": {"url": "http://10.0.0.10:5010"}}`,
			wantErr: "invalid service name",
		},
		{
			name:    "truncated document",
			doc:     `{"helm": {"url": "http://10.0.0.10:5010"}`,
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestVisibleForFiltersByRole(t *testing.T) {
	t.Parallel()

	snap, err := Parse([]byte(sampleDocument))
	require.NoError(t, err)

	names := func(entries []*ServiceEntry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.Name)
		}
		return out
	}

	assert.Equal(t, []string{"helm", "codex"}, names(snap.VisibleFor(auth.RoleUser)))
	assert.Equal(t, []string{"helm", "codex", "ledger"}, names(snap.VisibleFor(auth.RoleBilling)))
	// admin sees everything visible, but never the invisible core entry
	assert.Equal(t, []string{"helm", "codex", "ledger", "architect"}, names(snap.VisibleFor(auth.RoleAdmin)))
}

func TestRegistryLoadAndSwap(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "services.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument), 0o600))

	reg := New(path)
	assert.Equal(t, 0, reg.Current().Len(), "empty snapshot before first load")

	require.NoError(t, reg.Load())
	first := reg.Current()
	assert.Equal(t, 5, first.Len())

	// A bad rewrite keeps the previous snapshot active.
	require.NoError(t, os.WriteFile(path, []byte(`{"broken":`), 0o600))
	require.Error(t, reg.Load())
	assert.Same(t, first, reg.Current())

	// A good rewrite swaps in the new snapshot.
	require.NoError(t, os.WriteFile(path, []byte(`{"helm": {"url": "http://10.0.0.10:5010", "visible": true}}`), 0o600))
	require.NoError(t, reg.Load())
	assert.Equal(t, 1, reg.Current().Len())
	assert.NotSame(t, first, reg.Current())
}

func TestRegistryLoadMissingFile(t *testing.T) {
	t.Parallel()

	reg := New(filepath.Join(t.TempDir(), "absent.json"))
	err := reg.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 0, reg.Current().Len())
}
