package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	p, err := NewBuilder("alice@example.com:5070").
		DisplayName(" Alice ").
		Password("secret").
		Build()
	require.NoError(t, err)

	assert.Equal(t, "alice", p.User())
	assert.Equal(t, "example.com", p.Domain())
	assert.Equal(t, 5070, p.Port())
	assert.Equal(t, "example.com:5070", p.HostPort())
	assert.Equal(t, "Alice", p.DisplayName())
	assert.Equal(t, "alice", p.AuthUsername(), "по умолчанию берется пользователь из URI")
	assert.Equal(t, "secret", p.Password())
	assert.Equal(t, `"Alice" <sip:alice@example.com:5070>`, p.Address())
}

func TestBuilderExplicitScheme(t *testing.T) {
	p, err := NewBuilder("sip:bob@10.0.0.1").AuthUsername("bob-auth").Build()
	require.NoError(t, err)
	assert.Equal(t, "bob-auth", p.AuthUsername())
	assert.Equal(t, 0, p.Port())
	assert.Equal(t, "<sip:bob@10.0.0.1>", p.Address())
}

func TestBuilderErrors(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want error
	}{
		{"empty", "   ", ErrEmptyURI},
		{"no user", "sip:example.com", ErrInvalidURI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder(tt.uri).Build()
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestURIReturnsCopy(t *testing.T) {
	p := MustParse("sip:carol@example.com;transport=udp")
	u := p.URI()
	u.User = "mallory"
	if u.UriParams != nil {
		u.UriParams["transport"] = "tcp"
	}
	assert.Equal(t, "carol", p.User())
	again := p.URI()
	if again.UriParams != nil {
		v, _ := again.UriParams.Get("transport")
		assert.Equal(t, "udp", v)
	}
}
