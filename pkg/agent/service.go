package agent

import (
	"context"

	"github.com/grafana/dskit/services"
)

// Service adapts the agent to a dskit service so it can be supervised
// alongside other services. Starting runs the handshake; stopping runs
// the teardown sequence.
func Service(a *Agent) services.Service {
	return services.NewBasicService(
		a.Start,
		func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		func(_ error) error {
			return a.Stop(context.Background())
		},
	)
}
