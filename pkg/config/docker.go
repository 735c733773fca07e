package config

import (
	"os"
	"sync"
)

// hostGateway is the address a container uses to reach services on its host.
const hostGateway = "host.docker.internal"

// IsRunningInDocker reports whether the process runs inside a Docker container.
// The check looks for /.dockerenv once and caches the answer.
var IsRunningInDocker = sync.OnceValue(func() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
})

// ResolveHostForDocker rewrites loopback hosts to the Docker host gateway when
// running inside a container, so a local config works unchanged in compose.
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}

	switch host {
	case "localhost", "127.0.0.1", "::1":
		return hostGateway
	}
	return host
}
