package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashKey(t *testing.T) {
	a := HashKey("2019/5/0/-3/0")
	b := HashKey("2019/5/0/-3/0")
	c := HashKey("2020/5/0/-3/0")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base, path, want string
	}{
		{"https://www.basketball-bund.net", "/index.jsp", "https://www.basketball-bund.net/index.jsp"},
		{"https://www.basketball-bund.net/", "index.jsp", "https://www.basketball-bund.net/index.jsp"},
		{"http://127.0.0.1:8080/portal", "/rest/competition", "http://127.0.0.1:8080/portal/rest/competition"},
	}
	for _, tt := range tests {
		got, err := JoinURL(tt.base, tt.path)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestContainsPattern(t *testing.T) {
	assert.Equal(t, "%oberliga%", ContainsPattern("oberliga"))
	assert.Equal(t, `%U\_16 100\%%`, ContainsPattern("U_16 100%"))
	assert.Equal(t, `%a\\b%`, ContainsPattern(`a\b`))
}
