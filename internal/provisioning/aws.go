package provisioning

import (
	"context"
	"fmt"
	"time"

	"cloudlaunch/internal/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	"cloudlaunch/internal/config"
)

const (
	awsRunningWaitMax    = 10 * time.Minute
	awsTerminatedWaitMax = 10 * time.Minute
)

// AWSProvisioner implements the Provisioner interface for AWS EC2
type AWSProvisioner struct {
	client *ec2.Client
	cfg    config.AWSConfig
}

// NewAWSProvisioner creates a new instance of AWSProvisioner
func NewAWSProvisioner(ctx context.Context, cfg config.AWSConfig) (*AWSProvisioner, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSProvisioner{
		client: ec2.NewFromConfig(awsCfg),
		cfg:    cfg,
	}, nil
}

// CreateKeyPair has EC2 issue fresh key material, or imports publicKey when given
func (p *AWSProvisioner) CreateKeyPair(ctx context.Context, name, publicKey string) (*KeyPairInfo, error) {
	if publicKey != "" {
		output, err := p.client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
			KeyName:           aws.String(name),
			PublicKeyMaterial: []byte(publicKey),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to import key pair: %w", err)
		}
		return &KeyPairInfo{
			Name: name,
			ID:   aws.ToString(output.KeyPairId),
		}, nil
	}

	output, err := p.client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName: aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key pair: %w", err)
	}

	return &KeyPairInfo{
		Name:       name,
		ID:         aws.ToString(output.KeyPairId),
		PrivateKey: aws.ToString(output.KeyMaterial),
	}, nil
}

// CreateSecurityGroup creates a group in the default VPC with one ingress rule per port
func (p *AWSProvisioner) CreateSecurityGroup(ctx context.Context, name string, ports []int32) (*SecurityGroupInfo, error) {
	output, err := p.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("cloudlaunch session security group"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create security group: %w", err)
	}

	groupID := aws.ToString(output.GroupId)

	_, err = p.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: IngressPermissions(ports),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to authorize ingress: %w", err)
	}

	return &SecurityGroupInfo{ID: groupID, Name: name}, nil
}

// IngressPermissions builds one open-to-all TCP permission per port
func IngressPermissions(ports []int32) []types.IpPermission {
	perms := make([]types.IpPermission, 0, len(ports))
	for _, port := range ports {
		perms = append(perms, types.IpPermission{
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(port),
			ToPort:     aws.Int32(port),
			IpRanges: []types.IpRange{
				{CidrIp: aws.String("0.0.0.0/0")},
			},
		})
	}
	return perms
}

// CreateInstance launches one instance and waits until it is running
func (p *AWSProvisioner) CreateInstance(ctx context.Context, spec InstanceSpec) (*InstanceInfo, error) {
	output, err := p.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:                           aws.String(p.cfg.ImageID),
		InstanceType:                      types.InstanceType(p.cfg.InstanceType),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		KeyName:                           aws.String(spec.KeyName),
		SecurityGroupIds:                  []string{spec.SecurityGroupID},
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(spec.Name)},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run instance: %w", err)
	}

	instanceID := aws.ToString(output.Instances[0].InstanceId)

	logging.Logger().Info("Waiting for instance to reach running state",
		zap.String("instance_id", instanceID))

	waiter := ec2.NewInstanceRunningWaiter(p.client)
	desc, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, awsRunningWaitMax)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for instance to run: %w", err)
	}

	inst := desc.Reservations[0].Instances[0]
	return &InstanceInfo{
		ID:     instanceID,
		IP:     aws.ToString(inst.PublicIpAddress),
		Name:   spec.Name,
		Status: string(inst.State.Name),
	}, nil
}

// TerminateInstance terminates the instance and waits for confirmation
func (p *AWSProvisioner) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := p.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("failed to terminate instance: %w", err)
	}

	waiter := ec2.NewInstanceTerminatedWaiter(p.client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, awsTerminatedWaitMax); err != nil {
		return fmt.Errorf("failed waiting for instance termination: %w", err)
	}
	return nil
}

// DeleteSecurityGroup deletes the group by id
func (p *AWSProvisioner) DeleteSecurityGroup(ctx context.Context, groupID string) error {
	_, err := p.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: aws.String(groupID),
	})
	if err != nil {
		return fmt.Errorf("failed to delete security group: %w", err)
	}
	return nil
}

// DeleteKeyPair deletes the key pair by name
func (p *AWSProvisioner) DeleteKeyPair(ctx context.Context, name, _ string) error {
	_, err := p.client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
		KeyName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to delete key pair: %w", err)
	}
	return nil
}
