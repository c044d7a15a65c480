package signer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratedSigner(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Options{Mode: ModeGenerated, DataDir: dir})
	require.NoError(t, err)

	t.Run("label is an ssh identity", func(t *testing.T) {
		require.True(t, strings.HasPrefix(s.Identity(), "ssh:ssh-ed25519 "))
	})

	t.Run("key file is created with tight permissions", func(t *testing.T) {
		info, err := os.Stat(filepath.Join(dir, generatedKeyFile))
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("sign then verify is total", func(t *testing.T) {
		for _, msg := range [][]byte{nil, {}, []byte("x"), []byte(strings.Repeat("payload", 1000))} {
			sig, err := s.Sign(msg)
			require.NoError(t, err)
			require.NoError(t, Verify(s.Identity(), msg, sig))
		}
	})

	t.Run("tampered message fails", func(t *testing.T) {
		sig, err := s.Sign([]byte("original"))
		require.NoError(t, err)
		err = Verify(s.Identity(), []byte("tampered"), sig)
		require.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("tampered signature fails", func(t *testing.T) {
		sig, err := s.Sign([]byte("msg"))
		require.NoError(t, err)
		sig[len(sig)-1] ^= 0xff
		require.Error(t, Verify(s.Identity(), []byte("msg"), sig))
	})

	t.Run("reload keeps the same identity", func(t *testing.T) {
		s2, err := New(Options{Mode: ModeGenerated, DataDir: dir})
		require.NoError(t, err)
		require.Equal(t, s.Identity(), s2.Identity())
	})

	t.Run("a different key cannot verify", func(t *testing.T) {
		other, err := New(Options{Mode: ModeGenerated, DataDir: t.TempDir()})
		require.NoError(t, err)
		sig, err := s.Sign([]byte("msg"))
		require.NoError(t, err)
		require.ErrorIs(t, Verify(other.Identity(), []byte("msg"), sig), ErrBadSignature)
	})
}

func TestCrossVariantVerification(t *testing.T) {
	// Verify needs no signer of its own: an ssh-label signature verifies
	// from the label alone
	dir := t.TempDir()
	sshSide, err := New(Options{Mode: ModeGenerated, DataDir: dir})
	require.NoError(t, err)
	sig, err := sshSide.Sign([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, Verify(sshSide.Identity(), []byte("hello"), sig))
}

func TestNoneSigner(t *testing.T) {
	s, err := New(Options{Mode: ModeNone})
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(s.Identity(), "none:"))
	assert.False(t, CanSign(s))

	_, err = s.Sign([]byte("x"))
	require.ErrorIs(t, err, ErrUnavailable)

	t.Run("label is stable for the process", func(t *testing.T) {
		require.Equal(t, s.Identity(), s.Identity())
	})

	t.Run("two none nodes get distinct tokens", func(t *testing.T) {
		s2, err := New(Options{Mode: ModeNone})
		require.NoError(t, err)
		require.NotEqual(t, s.Identity(), s2.Identity())
	})

	t.Run("none labels cannot verify", func(t *testing.T) {
		require.ErrorIs(t, Verify(s.Identity(), []byte("x"), []byte("sig")), ErrUnsupported)
	})
}

func TestVerifyUnknownLabels(t *testing.T) {
	require.ErrorIs(t, Verify("pgp2:whatever", []byte("x"), []byte("y")), ErrUnsupported)
	require.ErrorIs(t, Verify("nocolon", []byte("x"), []byte("y")), ErrUnsupported)
	require.ErrorIs(t, Verify("ssh:not a key", []byte("x"), []byte("y")), ErrUnsupported)
	require.ErrorIs(t, Verify("", nil, nil), ErrUnsupported)
}

func TestSplitLabel(t *testing.T) {
	prefix, material, ok := SplitLabel("ssh:ssh-ed25519 AAAA")
	require.True(t, ok)
	assert.Equal(t, "ssh", prefix)
	assert.Equal(t, "ssh-ed25519 AAAA", material)

	_, _, ok = SplitLabel("bare")
	assert.False(t, ok)
	_, _, ok = SplitLabel(":material")
	assert.False(t, ok)
	_, _, ok = SplitLabel("prefix:")
	assert.False(t, ok)
}

func TestSSHSignerFromFile(t *testing.T) {
	// generate a key via the generated path, then load it as an explicit
	// ssh signer
	dir := t.TempDir()
	gen, err := New(Options{Mode: ModeGenerated, DataDir: dir})
	require.NoError(t, err)

	s, err := New(Options{Mode: ModeSSH, SSHPrivateKey: filepath.Join(dir, generatedKeyFile)})
	require.NoError(t, err)
	require.Equal(t, gen.Identity(), s.Identity())

	sig, err := s.Sign([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, Verify(gen.Identity(), []byte("payload"), sig))
}

func TestSSHSigRejectsWrongNamespaceBlob(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Options{Mode: ModeGenerated, DataDir: dir})
	require.NoError(t, err)
	sig, err := s.Sign([]byte("msg"))
	require.NoError(t, err)

	// flip a byte inside the namespace region rather than the signature
	idx := strings.Index(string(sig), sshsigNamespace)
	require.Greater(t, idx, 0)
	sig[idx] ^= 0xff
	require.Error(t, Verify(s.Identity(), []byte("msg"), sig))
}
