package consul_client

import (
	"fmt"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/lumina-media/indexer-backend/internal/config"
)

// Connect establishes a connection to the Consul agent.
func Connect(consulAddress string, logger *zap.Logger) (*consulapi.Client, error) {
	logger.Info("Attempting to connect to Consul agent", zap.String("address", consulAddress))
	clientConfig := consulapi.DefaultConfig()
	clientConfig.Address = consulAddress
	client, err := consulapi.NewClient(clientConfig)
	if err != nil {
		logger.Error("Failed to create Consul client", zap.Error(err))
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	if _, err := client.Agent().Self(); err != nil {
		logger.Error("Failed to ping Consul agent", zap.Error(err))
		return nil, fmt.Errorf("failed to connect/ping consul agent: %w", err)
	}
	logger.Info("Successfully connected to Consul agent", zap.String("address", consulAddress))
	return client, nil
}

// RegisterService registers this service instance with Consul.
func RegisterService(consulClient *consulapi.Client, cfg *config.Config, serviceID string, logger *zap.Logger) error {
	host, portStr, err := net.SplitHostPort(cfg.Port)
	if err != nil {
		// Port-only forms like ":8090" are fine; Consul uses the agent address.
		portStr = cfg.Port
		if portStr[0] == ':' {
			portStr = portStr[1:]
		}
		host = ""
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number '%s': %w", portStr, err)
	}

	registration := &consulapi.AgentServiceRegistration{
		ID:      serviceID,
		Name:    cfg.Consul.ServiceName,
		Port:    port,
		Address: host,
		Tags:    cfg.Consul.ServiceTags,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d%s", checkAddress(host), port, cfg.Consul.HealthCheckPath),
			Interval:                       cfg.Consul.HealthCheckInterval.String(),
			Timeout:                        cfg.Consul.HealthCheckTimeout.String(),
			DeregisterCriticalServiceAfter: "1m",
			Notes:                          "Health check for Indexer Orchestrator Service",
		},
	}

	logger.Info("Registering service with Consul",
		zap.String("service_id", serviceID),
		zap.String("service_name", cfg.Consul.ServiceName),
		zap.Int("port", port),
		zap.String("check_url", registration.Check.HTTP),
	)

	if err := consulClient.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service '%s' with Consul: %w", cfg.Consul.ServiceName, err)
	}
	return nil
}

// checkAddress picks the address for the health check URL; unspecified
// binds fall back to loopback.
func checkAddress(serviceAddress string) string {
	if serviceAddress == "" || serviceAddress == "0.0.0.0" || serviceAddress == "::" {
		return "127.0.0.1"
	}
	return serviceAddress
}

// DeregisterService deregisters the service from Consul. Called during
// graceful shutdown.
func DeregisterService(consulClient *consulapi.Client, serviceID string, logger *zap.Logger) error {
	logger.Info("Deregistering service from Consul", zap.String("service_id", serviceID))
	if err := consulClient.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service '%s': %w", serviceID, err)
	}
	return nil
}
