package sandbox

import (
	"context"
	"time"

	"github.com/pragnya-works/edward/pkg/gateway"
)

// Execer binds a driver and container to the gateway's exec contract.
type Execer struct {
	driver      Driver
	containerID string
}

// NewExecer returns a gateway.Execer for one container.
func NewExecer(driver Driver, containerID string) Execer {
	return Execer{driver: driver, containerID: containerID}
}

func (e Execer) Exec(ctx context.Context, argv []string, timeout time.Duration) (gateway.ExecResult, error) {
	result, err := e.driver.Exec(ctx, e.containerID, argv, ExecOptions{Timeout: timeout})
	if err != nil {
		return gateway.ExecResult{}, err
	}
	return gateway.ExecResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}, nil
}
