//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package tcp

import (
	"github.com/lni/dragonboat/v4/logger"
	"net"
)

// listen falls back to the standard library, the backlog is chosen by the system
func listen(endpoint string, backlog int) (net.Listener, error) {
	logger.GetLogger("transport/rpc").Warningf("listen backlog %d is not supported on this platform, using the system default", backlog)
	return net.Listen("tcp", endpoint)
}
