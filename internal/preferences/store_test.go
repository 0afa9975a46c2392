package preferences

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURI_AcceptsGitHTTPS(t *testing.T) {
	assert.NoError(t, ValidateURI("git+https://example.com/org/repo.git"))
}

func TestValidateURI_RejectsUnknownScheme(t *testing.T) {
	assert.Error(t, ValidateURI("ftp://example.com/thing"))
}

func TestValidateURI_RejectsDotDot(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Error(t, ValidateURI("file://"+home+"/../etc/passwd"))
}

func TestValidateURI_RejectsSystemRoots(t *testing.T) {
	assert.Error(t, ValidateURI("file:///etc/agentgw/bundles"))
}

func TestValidateURI_AcceptsPathUnderHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	dir := filepath.Join(home, "bundles-test-dir")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	defer os.RemoveAll(dir)
	assert.NoError(t, ValidateURI("file://"+dir))
}

func TestStore_PutThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	doc := Document{DefaultBundle: "react-app", ShowThinking: true}
	require.NoError(t, s.Put(doc))

	s2, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, doc, s2.Get())
}

func TestStore_AddCustomBundle_RejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.AddCustomBundle(CustomBundle{Name: "mine", URI: "git+https://example.com/mine.git"}))
	err = s.AddCustomBundle(CustomBundle{Name: "mine", URI: "git+https://example.com/other.git"})
	assert.Error(t, err)
}

func TestStore_ExportImportYAML_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, s.AddCustomBundle(CustomBundle{Name: "mine", URI: "git+https://example.com/mine.git"}))

	data, err := s.ExportYAML()
	require.NoError(t, err)

	dir2 := t.TempDir()
	s2, err := New(dir2)
	require.NoError(t, err)
	require.NoError(t, s2.ImportYAML(data))
	assert.Equal(t, s.Get(), s2.Get())
}
