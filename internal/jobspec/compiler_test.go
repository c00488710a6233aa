package jobspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "experiment-scheduler/internal/errors"
)

func TestCompile_Valid(t *testing.T) {
	raw := []byte(`
version: 1
image: tensorflow/tensorflow:2.14
command: ["python", "train.py"]
env:
  EPOCHS: "10"
resources:
  gpu: "1"
node_selector:
  pool: gpu
`)
	cfg, err := New().Compile(raw)
	require.NoError(t, err)
	assert.Equal(t, "tensorflow/tensorflow:2.14", cfg.Image)
	assert.Equal(t, []string{"python", "train.py"}, cfg.Command)
	assert.Equal(t, "10", cfg.EnvVars["EPOCHS"])
	assert.Equal(t, "gpu", cfg.NodeSelector["pool"])
}

func TestCompile_JSONInput(t *testing.T) {
	raw := []byte(`{"version": 1, "image": "busybox"}`)
	cfg, err := New().Compile(raw)
	require.NoError(t, err)
	assert.Equal(t, "busybox", cfg.Image)
}

func TestCompile_Invalid(t *testing.T) {
	cases := map[string][]byte{
		"empty":           nil,
		"not yaml":        []byte("{version: 1, image: ["),
		"missing image":   []byte("version: 1"),
		"missing version": []byte("image: busybox"),
		"bad version":     []byte("version: 2\nimage: busybox"),
		"empty resource":  []byte("version: 1\nimage: busybox\nresources:\n  gpu: \"\""),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New().Compile(raw)
			require.Error(t, err)
			assert.True(t, apperrors.IsConfigInvalid(err), "want ConfigInvalid, got %v", err)
		})
	}
}

func TestFingerprint_StableAcrossFormatting(t *testing.T) {
	a := []byte("version: 1\nimage: busybox\nenv:\n  A: \"1\"\n  B: \"2\"\n")
	b := []byte(`{"env": {"B": "2", "A": "1"}, "image": "busybox", "version": 1}`)

	ca, err := New().Compile(a)
	require.NoError(t, err)
	cb, err := New().Compile(b)
	require.NoError(t, err)

	assert.Equal(t, ca.Fingerprint(), cb.Fingerprint())
}

func TestFingerprint_DistinguishesConfigs(t *testing.T) {
	ca, err := New().Compile([]byte("version: 1\nimage: busybox"))
	require.NoError(t, err)
	cb, err := New().Compile([]byte("version: 1\nimage: alpine"))
	require.NoError(t, err)

	assert.NotEqual(t, ca.Fingerprint(), cb.Fingerprint())
}

func TestAsMapRoundTrip(t *testing.T) {
	cfg, err := New().Compile([]byte("version: 1\nimage: busybox"))
	require.NoError(t, err)

	m, err := cfg.AsMap()
	require.NoError(t, err)
	assert.Equal(t, "busybox", m["image"])
	assert.EqualValues(t, 1, m["version"])
}
