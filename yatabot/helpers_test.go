package yatabot

import (
	"context"
	"crypto/tls"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestHashPasswordAndVerify(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		password string
	}{
		{"Simple password", "password123"},
		{"Complex password", "C0mpl3x!P@ssw0rd"},
		{"Empty password", ""},
		{"Unicode password", "пароль123"},
		{"Very long password", strings.Repeat("a", 1000)},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				hash, err := HashPassword(tc.password)
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m="), hash)

				valid, err := verifyPassword(hash, tc.password)
				require.NoError(t, err)
				assert.True(t, valid)

				valid, err = verifyPassword(hash, tc.password+"wrong")
				require.NoError(t, err)
				assert.False(t, valid)
			},
		)
	}
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	t.Parallel()
	invalidHashes := []string{
		"not a valid hash",
		"$argon2id$v=19$m=65536,t=1,p=4$invalidbase64!$invalidbase64",
		"$argon2id$v=19$m=invalid,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g",
	}

	for _, invalidHash := range invalidHashes {
		t.Run(
			invalidHash, func(t *testing.T) {
				_, err := verifyPassword(invalidHash, "anypassword")
				assert.Error(t, err)
			},
		)
	}
}

func TestHashPassword_Uniqueness(t *testing.T) {
	t.Parallel()
	hash1, err := HashPassword("samepassword")
	require.NoError(t, err)
	hash2, err := HashPassword("samepassword")
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)
}

func BenchmarkHashPassword(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if _, err := HashPassword("benchmark_password"); err != nil {
			b.Fatalf("HashPassword failed: %v", err)
		}
	}
}

func TestDerive64ByteKey(t *testing.T) {
	t.Parallel()
	key := derive64ByteKey("secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("secret"))
	assert.NotEqual(t, key, derive64ByteKey("other"))
}

func TestTLSConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	_, err := generateSelfSignedCert(certFile, keyFile)
	require.NoError(t, err)

	cfg, err := tlsConfig(certFile, keyFile, tls.VersionTLS13)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	_, err = tlsConfig(filepath.Join(dir, "missing.pem"), keyFile, tls.VersionTLS12)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "пр", truncate("привет", 2))
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
		limit int
		want  []string
	}{
		{name: "short", input: "hello", limit: 10, want: []string{"hello"}},
		{name: "lines", input: "aaa\nbbb\nccc", limit: 8, want: []string{"aaa\nbbb\n", "ccc"}},
		{name: "long line", input: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "mixed", input: "ab\ncdefgh\ni", limit: 4, want: []string{"ab\n", "cdef", "gh\ni"}},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got := splitMessage(tt.input, tt.limit)
				assert.Equal(t, tt.want, got)
				assert.Equal(t, tt.input, strings.Join(got, ""))
				for _, chunk := range got {
					assert.LessOrEqual(t, utf8.RuneCountInString(chunk), tt.limit)
				}
			},
		)
	}
}

func TestTruthy(t *testing.T) {
	t.Parallel()
	for _, v := range []any{nil, false, "", 0.0, 0, int64(0), map[string]any{}, []any{}, []string{}} {
		assert.False(t, truthy(v), "%#v", v)
	}
	for _, v := range []any{true, "x", 1.5, 1, int64(2), map[string]any{"a": 1}, []any{1}, []string{"a"}, struct{}{}} {
		assert.True(t, truthy(v), "%#v", v)
	}
}

func TestHandleRecover(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, rc := range []any{errors.New("boom"), "boom", 42} {
		assert.NotPanics(
			t, func() {
				defer func() {
					if r := recover(); r != nil {
						handleRecover(ctx, r)
					}
				}()
				panic(rc)
			},
		)
	}
}
