package bus

import (
	"fmt"
	"os"
	"time"

	"github.com/mtzanidakis/bullpen/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Bus is the embedded NATS server every other component connects to.
// Agent containers reach it over the docker bridge; host-side components
// connect in-process via ClientURL.
type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		Port:      cfg.Port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{
		server: ns,
		cfg:    cfg,
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// AgentNATSURL returns the URL agent containers use to reach the bus.
// Containers sit on the bullpen docker network, so they connect through
// the host gateway alias rather than the loopback ClientURL.
func (b *Bus) AgentNATSURL() string {
	host := os.Getenv("BULLPEN_NATS_HOST")
	if host == "" {
		host = "host.docker.internal"
	}
	return fmt.Sprintf("nats://%s:%d", host, b.cfg.Port)
}

func (b *Bus) Port() int {
	return b.cfg.Port
}

// NumClients reports the number of connected clients. The runtime polls
// this while waiting for a freshly started agent container to connect.
func (b *Bus) NumClients() int {
	return b.server.NumClients()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
