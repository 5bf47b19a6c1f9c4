package provisioning

import (
	"context"
	"fmt"

	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/vpc/v1"
	ycsdk "github.com/yandex-cloud/go-sdk"
	"go.uber.org/zap"

	"cloudlaunch/internal/config"
	"cloudlaunch/internal/logging"
)

// YcProvisioner implements the Provisioner interface for Yandex Cloud
type YcProvisioner struct {
	sdk *ycsdk.SDK
	cfg config.YandexConfig
}

// NewYcProvisioner creates a new instance of YcProvisioner
func NewYcProvisioner(ctx context.Context, cfg config.YandexConfig) (*YcProvisioner, error) {
	sdk, err := ycsdk.Build(ctx, ycsdk.Config{
		Credentials: ycsdk.NewIAMTokenCredentials(cfg.IAMToken),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SDK: %w", err)
	}

	return &YcProvisioner{
		sdk: sdk,
		cfg: cfg,
	}, nil
}

// CreateKeyPair is a no-op on Yandex Cloud: the public key reaches the
// instance through cloud-config user-data.
func (p *YcProvisioner) CreateKeyPair(ctx context.Context, name, publicKey string) (*KeyPairInfo, error) {
	if publicKey == "" {
		return nil, fmt.Errorf("yandex cloud requires a locally generated public key")
	}
	return &KeyPairInfo{Name: name}, nil
}

// CreateSecurityGroup creates a VPC security group with one ingress rule per port
func (p *YcProvisioner) CreateSecurityGroup(ctx context.Context, name string, ports []int32) (*SecurityGroupInfo, error) {
	subnet, err := p.findSubnet(ctx, p.cfg.Zone)
	if err != nil {
		return nil, err
	}

	ruleSpecs := make([]*vpc.SecurityGroupRuleSpec, 0, len(ports))
	for _, port := range ports {
		ruleSpecs = append(ruleSpecs, &vpc.SecurityGroupRuleSpec{
			Direction: vpc.SecurityGroupRule_INGRESS,
			Ports: &vpc.PortRange{
				FromPort: int64(port),
				ToPort:   int64(port),
			},
			Protocol: &vpc.SecurityGroupRuleSpec_ProtocolName{
				ProtocolName: "tcp",
			},
			Target: &vpc.SecurityGroupRuleSpec_CidrBlocks{
				CidrBlocks: &vpc.CidrBlocks{
					V4CidrBlocks: []string{"0.0.0.0/0"},
				},
			},
		})
	}

	pop, err := p.sdk.VPC().SecurityGroup().Create(ctx, &vpc.CreateSecurityGroupRequest{
		FolderId:  p.cfg.FolderID,
		Name:      name,
		NetworkId: subnet.NetworkId,
		RuleSpecs: ruleSpecs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create security group: %w", err)
	}

	op, err := p.sdk.WrapOperation(pop, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap operation: %w", err)
	}

	if err := op.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for operation: %w", err)
	}

	resp, err := op.Response()
	if err != nil {
		return nil, fmt.Errorf("failed to get response: %w", err)
	}

	group := resp.(*vpc.SecurityGroup)
	return &SecurityGroupInfo{ID: group.Id, Name: name}, nil
}

// CreateInstance creates a VM and waits for the create operation to finish
func (p *YcProvisioner) CreateInstance(ctx context.Context, spec InstanceSpec) (*InstanceInfo, error) {
	subnet, err := p.findSubnet(ctx, p.cfg.Zone)
	if err != nil {
		return nil, err
	}

	imageID := p.cfg.ImageID
	if imageID == "" {
		imageID = p.getDefaultImage(ctx)
	}

	userData, err := GenerateCloudConfig(spec.Username, spec.SSHPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cloud-config: %w", err)
	}

	request := &compute.CreateInstanceRequest{
		FolderId:   p.cfg.FolderID,
		Name:       spec.Name,
		ZoneId:     p.cfg.Zone,
		PlatformId: "standard-v1",
		ResourcesSpec: &compute.ResourcesSpec{
			Cores:  int64(p.cfg.Cores),
			Memory: p.cfg.Memory * 1024 * 1024 * 1024,
		},
		BootDiskSpec: &compute.AttachedDiskSpec{
			AutoDelete: true,
			Disk: &compute.AttachedDiskSpec_DiskSpec_{
				DiskSpec: &compute.AttachedDiskSpec_DiskSpec{
					TypeId: "network-hdd",
					Size:   p.cfg.DiskSize * 1024 * 1024 * 1024,
					Source: &compute.AttachedDiskSpec_DiskSpec_ImageId{
						ImageId: imageID,
					},
				},
			},
		},
		NetworkInterfaceSpecs: []*compute.NetworkInterfaceSpec{
			{
				SubnetId:         subnet.Id,
				SecurityGroupIds: []string{spec.SecurityGroupID},
				PrimaryV4AddressSpec: &compute.PrimaryAddressSpec{
					OneToOneNatSpec: &compute.OneToOneNatSpec{
						IpVersion: compute.IpVersion_IPV4,
					},
				},
			},
		},
		Metadata: map[string]string{
			"user-data": userData,
		},
	}

	pop, err := p.sdk.Compute().Instance().Create(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to create VM: %w", err)
	}

	op, err := p.sdk.WrapOperation(pop, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap operation: %w", err)
	}

	if err := op.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for operation: %w", err)
	}

	resp, err := op.Response()
	if err != nil {
		return nil, fmt.Errorf("failed to get response: %w", err)
	}

	instance := resp.(*compute.Instance)

	ip := ""
	if len(instance.NetworkInterfaces) > 0 {
		if nat := instance.NetworkInterfaces[0].PrimaryV4Address.OneToOneNat; nat != nil {
			ip = nat.Address
		}
	}

	return &InstanceInfo{
		ID:     instance.Id,
		IP:     ip,
		Name:   instance.Name,
		Status: instance.Status.String(),
	}, nil
}

// TerminateInstance deletes the VM and waits for the delete operation to finish
func (p *YcProvisioner) TerminateInstance(ctx context.Context, instanceID string) error {
	pop, err := p.sdk.Compute().Instance().Delete(ctx, &compute.DeleteInstanceRequest{
		InstanceId: instanceID,
	})
	if err != nil {
		return fmt.Errorf("failed to delete VM: %w", err)
	}

	op, err := p.sdk.WrapOperation(pop, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap operation: %w", err)
	}

	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for operation: %w", err)
	}

	return nil
}

// DeleteSecurityGroup deletes the VPC security group by id
func (p *YcProvisioner) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	pop, err := p.sdk.VPC().SecurityGroup().Delete(ctx, &vpc.DeleteSecurityGroupRequest{
		SecurityGroupId: groupID,
	})
	if err != nil {
		return fmt.Errorf("failed to delete security group: %w", err)
	}

	op, err := p.sdk.WrapOperation(pop, nil)
	if err != nil {
		return fmt.Errorf("failed to wrap operation: %w", err)
	}

	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for operation: %w", err)
	}

	return nil
}

// DeleteKeyPair is a no-op on Yandex Cloud; there is no provider-side key resource
func (p *YcProvisioner) DeleteKeyPair(ctx context.Context, _, _ string) error {
	return nil
}

// findSubnet finds a subnet in the configured zone
func (p *YcProvisioner) findSubnet(ctx context.Context, zone string) (*vpc.Subnet, error) {
	resp, err := p.sdk.VPC().Subnet().List(ctx, &vpc.ListSubnetsRequest{
		FolderId: p.cfg.FolderID,
		PageSize: 100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subnets: %w", err)
	}

	for _, subnet := range resp.Subnets {
		if subnet.ZoneId == zone {
			return subnet, nil
		}
	}

	return nil, fmt.Errorf("no subnet found in zone %s", zone)
}

// getDefaultImage gets the default image ID
func (p *YcProvisioner) getDefaultImage(ctx context.Context) string {
	image, err := p.sdk.Compute().Image().GetLatestByFamily(ctx, &compute.GetImageLatestByFamilyRequest{
		FolderId: "standard-images",
		Family:   "ubuntu-24-04-lts",
	})
	if err != nil {
		logging.Logger().Warn("failed to resolve default image, using fallback", zap.Error(err))
		return "fd82odtq5h79jo7ffss3" // Ubuntu 20.04 as fallback
	}
	return image.Id
}
