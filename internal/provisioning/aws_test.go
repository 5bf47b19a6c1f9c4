package provisioning

import (
	"testing"
)

func TestIngressPermissions(t *testing.T) {
	perms := IngressPermissions([]int32{22, 8080})

	if len(perms) != 2 {
		t.Fatalf("Expected one permission per port, got %d", len(perms))
	}

	for i, want := range []int32{22, 8080} {
		p := perms[i]
		if *p.IpProtocol != "tcp" {
			t.Errorf("Port %d: expected tcp, got %s", want, *p.IpProtocol)
		}
		if *p.FromPort != want || *p.ToPort != want {
			t.Errorf("Expected single-port range %d, got %d-%d", want, *p.FromPort, *p.ToPort)
		}
		if len(p.IpRanges) != 1 || *p.IpRanges[0].CidrIp != "0.0.0.0/0" {
			t.Errorf("Port %d: expected open CIDR range, got %+v", want, p.IpRanges)
		}
	}
}

func TestIngressPermissionsEmpty(t *testing.T) {
	if perms := IngressPermissions(nil); len(perms) != 0 {
		t.Errorf("Expected no permissions for no ports, got %d", len(perms))
	}
}
