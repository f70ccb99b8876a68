// Package portfind picks the first free TCP port at or above a base port.
package portfind

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

// HighestPort is the last port tried before giving up.
const HighestPort = 65535

// ErrNoPort is returned when every port from base to HighestPort is taken.
var ErrNoPort = errors.New("no free port available")

// Listen binds host:base, host:base+1, ... and returns the first listener
// that succeeds together with its port. Handing back the bound listener
// avoids a probe-close-rebind race with other processes.
//
// Only "address in use" and "permission denied" advance the search; any
// other bind error is returned as is.
func Listen(ctx context.Context, host string, base int) (net.Listener, int, error) {
	if base < 0 || base > HighestPort {
		return nil, 0, fmt.Errorf("base port %d out of range", base)
	}

	var lc net.ListenConfig
	for port := base; port <= HighestPort; port++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, ln.Addr().(*net.TCPAddr).Port, nil
		}
		if !retryable(err) {
			return nil, 0, fmt.Errorf("listen on %s:%d: %w", host, port, err)
		}
		if port == 0 {
			// Port 0 asks the kernel for any port; there is nothing to step through.
			break
		}
	}
	return nil, 0, ErrNoPort
}

func retryable(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EACCES)
}
