package integrity

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashBytes_KnownVector(t *testing.T) {
	require.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}

func TestHashReaderMatchesHashBytes(t *testing.T) {
	data := bytes.Repeat([]byte("corpusx"), 10000)
	got, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, HashBytes(data), got)
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("lrrk2 mutation found"), 0o600))
	got, err := HashFile(path)
	require.NoError(t, err)
	require.Equal(t, HashBytes([]byte("lrrk2 mutation found")), got)

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestEqual_IgnoresCase(t *testing.T) {
	h := HashBytes([]byte("x"))
	require.True(t, Equal(h, strings.ToUpper(h)))
	require.False(t, Equal(h, HashBytes([]byte("y"))))
}

func TestAPIKeyHash(t *testing.T) {
	stored := HashAPIKey("abcdefgh.secret")
	require.True(t, strings.HasPrefix(stored, "sha512$$"))
	require.True(t, VerifyAPIKey("abcdefgh.secret", stored))
	require.False(t, VerifyAPIKey("abcdefgh.secreT", stored))
}
