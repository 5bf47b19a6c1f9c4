package provisioning

import (
	"context"
	"fmt"

	"cloudlaunch/internal/config"
)

// NewProvisioner creates a provisioner based on config type (factory pattern).
// This implements the discriminated union dispatch.
func NewProvisioner(ctx context.Context, cfg config.ProvisionerConfig) (Provisioner, error) {
	switch cfg.Type {
	case config.ProviderAWS:
		if cfg.AWS == nil {
			return nil, fmt.Errorf("aws config is nil")
		}
		return NewAWSProvisioner(ctx, *cfg.AWS)

	case config.ProviderDigitalOcean:
		if cfg.DigitalOcean == nil {
			return nil, fmt.Errorf("digitalocean config is nil")
		}
		return NewDOProvisioner(*cfg.DigitalOcean)

	case config.ProviderGCP:
		if cfg.GCP == nil {
			return nil, fmt.Errorf("gcp config is nil")
		}
		return NewGCPProvisioner(ctx, *cfg.GCP)

	case config.ProviderYandexCloud:
		if cfg.Yandex == nil {
			return nil, fmt.Errorf("yandex config is nil")
		}
		return NewYcProvisioner(ctx, *cfg.Yandex)

	default:
		return nil, fmt.Errorf("unsupported provisioner type: %s", cfg.Type)
	}
}

// IssuesKeyMaterial reports whether the provider can mint a key pair itself.
// Providers without server-side key material need a locally generated pair.
func IssuesKeyMaterial(t config.ProviderType) bool {
	return t == config.ProviderAWS
}
