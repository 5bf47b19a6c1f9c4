package provisioning

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"cloudlaunch/internal/config"
)

// GCPProvisioner implements the Provisioner interface for Google Cloud
type GCPProvisioner struct {
	service *compute.Service
	cfg     config.GCPConfig
}

// NewGCPProvisioner creates a new instance of GCPProvisioner
func NewGCPProvisioner(ctx context.Context, cfg config.GCPConfig) (*GCPProvisioner, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute service: %w", err)
	}

	return &GCPProvisioner{
		service: service,
		cfg:     cfg,
	}, nil
}

// CreateKeyPair is a no-op on GCP: the public key reaches the instance through
// cloud-config user-data, not a provider-side key resource.
func (p *GCPProvisioner) CreateKeyPair(ctx context.Context, name, publicKey string) (*KeyPairInfo, error) {
	if publicKey == "" {
		return nil, fmt.Errorf("gcp requires a locally generated public key")
	}
	return &KeyPairInfo{Name: name}, nil
}

// CreateSecurityGroup creates a firewall rule targeting instances tagged with name
func (p *GCPProvisioner) CreateSecurityGroup(ctx context.Context, name string, ports []int32) (*SecurityGroupInfo, error) {
	portStrings := make([]string, 0, len(ports))
	for _, port := range ports {
		portStrings = append(portStrings, strconv.Itoa(int(port)))
	}

	firewall := &compute.Firewall{
		Name:    name,
		Network: p.network(),
		Allowed: []*compute.FirewallAllowed{
			{
				IPProtocol: "tcp",
				Ports:      portStrings,
			},
		},
		SourceRanges: []string{"0.0.0.0/0"},
		TargetTags:   []string{name},
	}

	op, err := p.service.Firewalls.Insert(p.cfg.ProjectID, firewall).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert firewall rule: %w", err)
	}

	if err := p.waitForGlobalOperation(ctx, op.Name); err != nil {
		return nil, fmt.Errorf("firewall operation failed: %w", err)
	}

	return &SecurityGroupInfo{ID: name, Name: name}, nil
}

// CreateInstance creates a VM and waits until it is reachable with a public address
func (p *GCPProvisioner) CreateInstance(ctx context.Context, spec InstanceSpec) (*InstanceInfo, error) {
	userData, err := GenerateCloudConfig(spec.Username, spec.SSHPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	rb := &compute.Instance{
		Name:        spec.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Zone, p.cfg.MachineType),
		Tags: &compute.Tags{
			Items: []string{spec.SecurityGroupID},
		},
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				Type:       "PERSISTENT",
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: p.cfg.Image,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				AccessConfigs: []*compute.AccessConfig{
					{
						Type: "ONE_TO_ONE_NAT",
						Name: "External NAT",
					},
				},
				Network: p.network(),
			},
		},
		Metadata: &compute.Metadata{
			Items: []*compute.MetadataItems{
				{
					Key:   "user-data",
					Value: &userData,
				},
			},
		},
	}

	op, err := p.service.Instances.Insert(p.cfg.ProjectID, p.cfg.Zone, rb).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert instance: %w", err)
	}

	if err := p.waitForZoneOperation(ctx, op.Name); err != nil {
		return nil, fmt.Errorf("instance operation failed: %w", err)
	}

	instance, err := p.service.Instances.Get(p.cfg.ProjectID, p.cfg.Zone, spec.Name).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	ip := ""
	if len(instance.NetworkInterfaces) > 0 && len(instance.NetworkInterfaces[0].AccessConfigs) > 0 {
		ip = instance.NetworkInterfaces[0].AccessConfigs[0].NatIP
	}

	// Instances are addressed by name on deletion, so the name is the ID
	return &InstanceInfo{
		ID:     instance.Name,
		IP:     ip,
		Name:   instance.Name,
		Status: instance.Status,
	}, nil
}

// TerminateInstance deletes the VM and waits for the operation to finish
func (p *GCPProvisioner) TerminateInstance(ctx context.Context, instanceID string) error {
	op, err := p.service.Instances.Delete(p.cfg.ProjectID, p.cfg.Zone, instanceID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	if err := p.waitForZoneOperation(ctx, op.Name); err != nil {
		return fmt.Errorf("instance deletion failed: %w", err)
	}
	return nil
}

// DeleteSecurityGroup deletes the firewall rule
func (p *GCPProvisioner) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	op, err := p.service.Firewalls.Delete(p.cfg.ProjectID, groupID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to delete firewall rule: %w", err)
	}

	if err := p.waitForGlobalOperation(ctx, op.Name); err != nil {
		return fmt.Errorf("firewall deletion failed: %w", err)
	}
	return nil
}

// DeleteKeyPair is a no-op on GCP; there is no provider-side key resource
func (p *GCPProvisioner) DeleteKeyPair(ctx context.Context, _, _ string) error {
	return nil
}

func (p *GCPProvisioner) network() string {
	if p.cfg.Network != "" {
		return p.cfg.Network
	}
	return "global/networks/default"
}

func (p *GCPProvisioner) waitForZoneOperation(ctx context.Context, opName string) error {
	for i := 0; i < 60; i++ {
		op, err := p.service.ZoneOperations.Get(p.cfg.ProjectID, p.cfg.Zone, opName).Context(ctx).Do()
		if err != nil {
			return err
		}
		if op.Status == "DONE" {
			if op.Error != nil {
				return fmt.Errorf("operation error: %v", op.Error.Errors)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return fmt.Errorf("timeout waiting for operation")
}

func (p *GCPProvisioner) waitForGlobalOperation(ctx context.Context, opName string) error {
	for i := 0; i < 60; i++ {
		op, err := p.service.GlobalOperations.Get(p.cfg.ProjectID, opName).Context(ctx).Do()
		if err != nil {
			return err
		}
		if op.Status == "DONE" {
			if op.Error != nil {
				return fmt.Errorf("operation error: %v", op.Error.Errors)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return fmt.Errorf("timeout waiting for operation")
}
