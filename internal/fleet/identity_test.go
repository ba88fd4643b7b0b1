package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "lowercases host", in: "https://Example.COM/path", want: "https://example.com/path"},
		{name: "strips default https port", in: "https://example.com:443/path", want: "https://example.com/path"},
		{name: "strips default http port", in: "http://example.com:80/", want: "http://example.com"},
		{name: "keeps explicit port", in: "https://example.com:8443/x", want: "https://example.com:8443/x"},
		{name: "drops fragment", in: "https://example.com/a#section", want: "https://example.com/a"},
		{name: "drops bare trailing slash", in: "https://example.com/", want: "https://example.com"},
		{name: "trims whitespace", in: "  https://example.com/a  ", want: "https://example.com/a"},
		{name: "rejects missing scheme", in: "example.com/a", wantErr: true},
		{name: "rejects ftp", in: "ftp://example.com/a", wantErr: true},
		{name: "rejects empty host", in: "https:///a", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeTarget(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTaskIdentityStable(t *testing.T) {
	t.Parallel()

	a := TaskIdentity("https://example.com/a", "GET", map[string]string{"x": "1", "y": "2"})
	b := TaskIdentity("https://example.com/a", "get", map[string]string{"y": "2", "x": "1"})
	require.Equal(t, a, b, "identity must be independent of param order and method case")

	c := TaskIdentity("https://example.com/a", "GET", map[string]string{"x": "1"})
	assert.NotEqual(t, a, c, "different params must produce different identities")

	d := TaskIdentity("https://example.com/b", "GET", nil)
	e := TaskIdentity("https://example.com/a", "GET", nil)
	assert.NotEqual(t, d, e)
}

func TestNormalizeFillsDerivedFields(t *testing.T) {
	t.Parallel()

	task, err := Task{Target: "https://News.Example.com:443/today", Params: map[string]string{"q": "cpi"}}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "https://news.example.com/today", task.Target)
	assert.Equal(t, "news.example.com", task.Domain)
	assert.Equal(t, "GET", task.Method)
	assert.Equal(t, PriorityNormal, task.Priority)
	assert.NotEmpty(t, task.Identity)
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	t.Parallel()

	_, err := Task{Target: ""}.Normalize()
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, err = Task{Target: "https://example.com", Method: "DELETE"}.Normalize()
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, err = Task{Target: "https://example.com", Priority: 9}.Normalize()
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}
