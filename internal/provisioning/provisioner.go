package provisioning

import "context"

// KeyPairInfo describes a credential registered with (or issued by) the provider
type KeyPairInfo struct {
	Name       string
	ID         string // provider-side identifier where the provider uses one
	PrivateKey string // PEM material, set only when the provider issues it
}

// SecurityGroupInfo describes the network policy attached to the instance
type SecurityGroupInfo struct {
	ID   string
	Name string
}

// InstanceSpec carries the per-session parameters for creating the instance.
// Machine image, size and placement come from the provider's own config.
type InstanceSpec struct {
	Name            string
	KeyName         string
	KeyID           string
	SecurityGroupID string
	Username        string
	SSHPublicKey    string // injected via cloud-config on providers without key-pair resources
}

// InstanceInfo contains information about the created instance
type InstanceInfo struct {
	ID     string
	IP     string
	Name   string
	Status string
}

// Provisioner creates and releases the resources one session needs, as
// separate dependency-ordered operations so teardown can release whatever
// subset actually got created: instance before security group, key pair last.
type Provisioner interface {
	// CreateKeyPair registers publicKey under name, or has the provider issue
	// fresh material when publicKey is empty and the provider supports it.
	CreateKeyPair(ctx context.Context, name, publicKey string) (*KeyPairInfo, error)

	// CreateSecurityGroup creates a named policy allowing inbound TCP on the
	// given ports from all sources.
	CreateSecurityGroup(ctx context.Context, name string, ports []int32) (*SecurityGroupInfo, error)

	// CreateInstance launches one instance and blocks until the provider
	// reports it running, with its public address populated.
	CreateInstance(ctx context.Context, spec InstanceSpec) (*InstanceInfo, error)

	// TerminateInstance terminates the instance and blocks until the provider
	// confirms termination.
	TerminateInstance(ctx context.Context, instanceID string) error

	// DeleteSecurityGroup deletes the policy. Must be called after the
	// instance is gone; the group cannot be removed while attached.
	DeleteSecurityGroup(ctx context.Context, groupID string) error

	// DeleteKeyPair removes the registered credential.
	DeleteKeyPair(ctx context.Context, name, id string) error
}
