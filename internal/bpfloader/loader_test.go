package bpfloader

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_MissingObject(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.bpf.o"))
	require.Error(t, err)
}

func TestClose_Unattached(t *testing.T) {
	l := &Loader{}
	require.NoError(t, l.Close())
}
