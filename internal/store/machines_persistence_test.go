package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_MachinesPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "machines-state.json")

	s1 := NewWithOptions(Options{MachinesStateFile: stateFile})
	_, created, err := s1.UpsertMachine("ns1", "m1", "meta", nil, 1000)
	require.NoError(t, err)
	require.True(t, created)

	info, err := os.Stat(stateFile)
	require.NoError(t, err, "state file written on upsert")
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	s2 := NewWithOptions(Options{MachinesStateFile: stateFile})
	got := s2.ListMachineRows("ns1")
	require.Len(t, got, 1)
	require.Equal(t, "m1", got[0].ID)
	require.Equal(t, "ns1", got[0].Namespace)
	require.Equal(t, "meta", got[0].Metadata)

	require.Empty(t, s2.ListMachineRows("ns2"))
}

func TestStore_MachinesPersistence_PersistsUpdates(t *testing.T) {
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "machines-state.json")

	s1 := NewWithOptions(Options{MachinesStateFile: stateFile})
	created, _, err := s1.UpsertMachine("ns1", "m1", "meta", nil, 1000)
	require.NoError(t, err)

	status, version, value := s1.UpdateMachineMetadata("ns1", "m1", created.MetadataVersion, "meta2", 1001)
	require.Equal(t, "success", status)
	require.Equal(t, created.MetadataVersion+1, version)
	require.Equal(t, "meta2", value)

	s2 := NewWithOptions(Options{MachinesStateFile: stateFile})
	got := s2.ListMachineRows("ns1")
	require.Len(t, got, 1)
	require.Equal(t, "meta2", got[0].Metadata)
	require.Equal(t, created.MetadataVersion+1, got[0].MetadataVersion)
}
