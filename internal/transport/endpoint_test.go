package transport

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name string
		base string
		desc Descriptor
		want string
	}{
		{
			name: "exec on secure page",
			base: "https://h",
			desc: Descriptor{ContainerID: "abc123", Mode: ModeExec, Command: "python main.py"},
			want: "wss://h/ws/abc123?mode=exec&cmd=python%20main.py",
		},
		{
			name: "attach on insecure page",
			base: "http://h",
			desc: Descriptor{ContainerID: "abc123", Mode: ModeAttach},
			want: "ws://h/ws/abc123?mode=attach",
		},
		{
			name: "attach ignores command",
			base: "http://h",
			desc: Descriptor{ContainerID: "abc123", Mode: ModeAttach, Command: "python main.py"},
			want: "ws://h/ws/abc123?mode=attach",
		},
		{
			name: "api base path and port",
			base: "https://example.com:8443/api",
			desc: Descriptor{ContainerID: "c1", Mode: ModeAttach},
			want: "wss://example.com:8443/ws/c1?mode=attach",
		},
		{
			name: "command with query metacharacters",
			base: "http://h",
			desc: Descriptor{ContainerID: "c1", Mode: ModeExec, Command: "echo a&b=c+d"},
			want: "ws://h/ws/c1?mode=exec&cmd=echo%20a%26b%3Dc%2Bd",
		},
		{
			name: "container id is path escaped",
			base: "http://h",
			desc: Descriptor{ContainerID: "a/b", Mode: ModeAttach},
			want: "ws://h/ws/a%2Fb?mode=attach",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Endpoint(mustParse(t, tt.base), tt.desc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEndpointRejectsBadDescriptors(t *testing.T) {
	base := mustParse(t, "http://h")

	_, err := Endpoint(base, Descriptor{ContainerID: "c1", Mode: ModeExec})
	assert.ErrorIs(t, err, ErrCommandRequired)

	_, err = Endpoint(base, Descriptor{ContainerID: "c1", Mode: ModeExec, Command: "   "})
	assert.ErrorIs(t, err, ErrCommandRequired)

	_, err = Endpoint(base, Descriptor{ContainerID: "c1", Mode: "shell"})
	assert.ErrorIs(t, err, ErrInvalidMode)

	_, err = Endpoint(base, Descriptor{Mode: ModeAttach})
	assert.ErrorIs(t, err, ErrContainerRequired)

	_, err = Endpoint(&url.URL{Path: "/api"}, Descriptor{ContainerID: "c1", Mode: ModeAttach})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" EXEC ")
	require.NoError(t, err)
	assert.Equal(t, ModeExec, m)

	m, err = ParseMode("attach")
	require.NoError(t, err)
	assert.Equal(t, ModeAttach, m)

	_, err = ParseMode("detach")
	assert.ErrorIs(t, err, ErrInvalidMode)
}
