package provisioning

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/digitalocean/godo"

	"cloudlaunch/internal/config"
)

// DOProvisioner implements the Provisioner interface for DigitalOcean
type DOProvisioner struct {
	client *godo.Client
	cfg    config.DOConfig
}

// NewDOProvisioner creates a new instance of DOProvisioner
func NewDOProvisioner(cfg config.DOConfig) (*DOProvisioner, error) {
	return &DOProvisioner{
		client: godo.NewFromToken(cfg.Token),
		cfg:    cfg,
	}, nil
}

// CreateKeyPair registers an SSH public key. DigitalOcean does not issue key
// material, so publicKey is required.
func (p *DOProvisioner) CreateKeyPair(ctx context.Context, name, publicKey string) (*KeyPairInfo, error) {
	if publicKey == "" {
		return nil, fmt.Errorf("digitalocean requires a locally generated public key")
	}

	key, _, err := p.client.Keys.Create(ctx, &godo.KeyCreateRequest{
		Name:      name,
		PublicKey: publicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register SSH key: %w", err)
	}

	return &KeyPairInfo{
		Name: name,
		ID:   strconv.Itoa(key.ID),
	}, nil
}

// CreateSecurityGroup creates a firewall bound to droplets tagged with name.
// Outbound traffic is left fully open; only inbound is restricted.
func (p *DOProvisioner) CreateSecurityGroup(ctx context.Context, name string, ports []int32) (*SecurityGroupInfo, error) {
	inbound := make([]godo.InboundRule, 0, len(ports))
	for _, port := range ports {
		inbound = append(inbound, godo.InboundRule{
			Protocol:  "tcp",
			PortRange: strconv.Itoa(int(port)),
			Sources: &godo.Sources{
				Addresses: []string{"0.0.0.0/0", "::/0"},
			},
		})
	}

	firewall, _, err := p.client.Firewalls.Create(ctx, &godo.FirewallRequest{
		Name:         name,
		InboundRules: inbound,
		OutboundRules: []godo.OutboundRule{
			{
				Protocol:  "tcp",
				PortRange: "all",
				Destinations: &godo.Destinations{
					Addresses: []string{"0.0.0.0/0", "::/0"},
				},
			},
			{
				Protocol:  "udp",
				PortRange: "all",
				Destinations: &godo.Destinations{
					Addresses: []string{"0.0.0.0/0", "::/0"},
				},
			},
			{
				Protocol: "icmp",
				Destinations: &godo.Destinations{
					Addresses: []string{"0.0.0.0/0", "::/0"},
				},
			},
		},
		Tags: []string{name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create firewall: %w", err)
	}

	return &SecurityGroupInfo{ID: firewall.ID, Name: name}, nil
}

// CreateInstance creates a droplet and waits until it is active
func (p *DOProvisioner) CreateInstance(ctx context.Context, spec InstanceSpec) (*InstanceInfo, error) {
	var sshKeys []godo.DropletCreateSSHKey
	if keyID, err := strconv.Atoi(spec.KeyID); err == nil {
		sshKeys = []godo.DropletCreateSSHKey{{ID: keyID}}
	}

	userData, err := GenerateCloudConfig(spec.Username, spec.SSHPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	droplet, _, err := p.client.Droplets.Create(ctx, &godo.DropletCreateRequest{
		Name:   spec.Name,
		Region: p.cfg.Region,
		Size:   p.cfg.Size,
		Image: godo.DropletCreateImage{
			Slug: p.cfg.Image,
		},
		SSHKeys:  sshKeys,
		UserData: userData,
		Tags:     []string{spec.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create droplet: %w", err)
	}

	// Wait for droplet to be active
	for i := 0; i < 60; i++ {
		d, _, err := p.client.Droplets.Get(ctx, droplet.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get droplet: %w", err)
		}

		if d.Status == "active" {
			ip, _ := d.PublicIPv4()
			return &InstanceInfo{
				ID:     strconv.Itoa(d.ID),
				IP:     ip,
				Name:   d.Name,
				Status: d.Status,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}

	return nil, fmt.Errorf("timed out waiting for droplet to be active")
}

// TerminateInstance deletes the droplet and waits until it is gone
func (p *DOProvisioner) TerminateInstance(ctx context.Context, instanceID string) error {
	id, err := strconv.Atoi(instanceID)
	if err != nil {
		return fmt.Errorf("invalid instance ID: %w", err)
	}

	if _, err := p.client.Droplets.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete droplet: %w", err)
	}

	for i := 0; i < 60; i++ {
		_, resp, err := p.client.Droplets.Get(ctx, id)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil
			}
			return fmt.Errorf("failed to check droplet state: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}

	return fmt.Errorf("timed out waiting for droplet deletion")
}

// DeleteSecurityGroup deletes the firewall by id
func (p *DOProvisioner) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	if _, err := p.client.Firewalls.Delete(ctx, groupID); err != nil {
		return fmt.Errorf("failed to delete firewall: %w", err)
	}
	return nil
}

// DeleteKeyPair removes the registered SSH key
func (p *DOProvisioner) DeleteKeyPair(ctx context.Context, _ string, id string) error {
	keyID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid key ID: %w", err)
	}

	if _, err := p.client.Keys.DeleteByID(ctx, keyID); err != nil {
		return fmt.Errorf("failed to delete SSH key: %w", err)
	}
	return nil
}
