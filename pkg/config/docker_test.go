package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveHostForDocker_NonLoopbackUnchanged(t *testing.T) {
	for _, host := range []string{"db.internal", "10.0.0.12", hostGateway} {
		assert.Equal(t, host, ResolveHostForDocker(host))
	}
}

func TestResolveHostForDocker_Loopback(t *testing.T) {
	for _, host := range []string{"localhost", "127.0.0.1", "::1"} {
		want := host
		if IsRunningInDocker() {
			want = hostGateway
		}
		assert.Equal(t, want, ResolveHostForDocker(host), host)
	}
}
