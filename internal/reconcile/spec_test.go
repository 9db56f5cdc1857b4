package reconcile

import (
	"testing"

	"avena/pkg/wire"
)

func TestClassifyChangeUpToDate(t *testing.T) {
	spec := wire.WorkloadSpec{Image: "busybox", Tag: "1", Env: []string{"A=1"}}
	current := normalizeWorkloadSpec(spec)
	incoming := normalizeWorkloadSpec(spec)
	if got := classifyChange(current, incoming); got != UpToDate {
		t.Fatalf("classifyChange = %v, want UpToDate", got)
	}
}

func TestClassifyChangeEnvOnlyIsNeedsUpdate(t *testing.T) {
	current := normalizeWorkloadSpec(wire.WorkloadSpec{Image: "busybox", Env: []string{"A=1"}})
	incoming := normalizeWorkloadSpec(wire.WorkloadSpec{Image: "busybox", Env: []string{"A=2"}})
	if got := classifyChange(current, incoming); got != NeedsUpdate {
		t.Fatalf("classifyChange = %v, want NeedsUpdate", got)
	}
}

func TestClassifyChangeImageIsNeedsRecreate(t *testing.T) {
	current := normalizeWorkloadSpec(wire.WorkloadSpec{Image: "busybox", Tag: "1"})
	incoming := normalizeWorkloadSpec(wire.WorkloadSpec{Image: "busybox", Tag: "2"})
	if got := classifyChange(current, incoming); got != NeedsRecreate {
		t.Fatalf("classifyChange = %v, want NeedsRecreate", got)
	}
}

func TestNormalizeWorkloadSpecSortsMountsAndPorts(t *testing.T) {
	spec := wire.WorkloadSpec{
		Image: "busybox",
		Mounts: []wire.Mount{
			{Source: "/z", Target: "/mnt/z"},
			{Source: "/a", Target: "/mnt/a"},
		},
		Ports: []wire.PortMapping{
			{HostPort: 9000, ContainerPort: 9000},
			{HostPort: 80, ContainerPort: 8080},
		},
	}
	got := normalizeWorkloadSpec(spec)
	if got.Mounts[0].Source != "/a" || got.Mounts[1].Source != "/z" {
		t.Fatalf("mounts not sorted: %+v", got.Mounts)
	}
	if got.Ports[0].HostPort != 80 || got.Ports[1].HostPort != 9000 {
		t.Fatalf("ports not sorted: %+v", got.Ports)
	}
}

func TestDesiredKeyFormat(t *testing.T) {
	if got := DesiredKey("dev-1", "worker"); got != "device.dev-1.worker" {
		t.Fatalf("DesiredKey = %q, want device.dev-1.worker", got)
	}
}
