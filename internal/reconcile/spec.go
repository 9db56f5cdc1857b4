package reconcile

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	compose "github.com/compose-spec/compose-go/v2/types"

	"avena/pkg/wire"
)

// ChangeKind classifies how a canonical spec differs from the one
// currently on disk (spec sec 4.G step 3 / sec 9 open question 2).
type ChangeKind int

const (
	UpToDate ChangeKind = iota
	NeedsUpdate
	NeedsRecreate
)

// canonicalSpec is the normalized, comparison-ready shape of a
// WorkloadSpec. Grounded on internal/deploy/spec.go's
// NormalizeServiceSpec/canonicalSpec: WorkloadSpec is first lifted
// into a compose.ServiceConfig so the same ordered-map and
// volume/port normalization the teacher relies on for compose
// diffing applies here too, then flattened back into a plain
// comparable struct.
type canonicalSpec struct {
	Image   string
	Env     []string
	Mounts  []wire.Mount
	Ports   []wire.PortMapping
	Volumes []string
	Cmd     string
	Args    []string
	Labels  map[string]string
}

func toComposeService(spec wire.WorkloadSpec) compose.ServiceConfig {
	env := compose.MappingWithEquals{}
	for _, kv := range spec.Env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		v := parts[1]
		env[parts[0]] = &v
	}

	var volumes []compose.ServiceVolumeConfig
	for _, m := range spec.Mounts {
		volumes = append(volumes, compose.ServiceVolumeConfig{
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var ports []compose.ServicePortConfig
	for _, p := range spec.Ports {
		ports = append(ports, compose.ServicePortConfig{
			Published: itoa(p.HostPort),
			Target:    uint32(p.ContainerPort),
			Protocol:  p.Protocol,
		})
	}

	image := spec.Image
	if spec.Tag != "" {
		image = image + ":" + spec.Tag
	}

	return compose.ServiceConfig{
		Image:       image,
		Environment: env,
		Volumes:     volumes,
		Ports:       ports,
		Labels:      compose.Labels(spec.Labels),
	}
}

// normalizeWorkloadSpec canonicalizes a WorkloadSpec for comparison:
// env entries keyed and key-sorted, mounts/ports sorted (stable
// rendering for the unit emitter), everything else carried through.
func normalizeWorkloadSpec(spec wire.WorkloadSpec) canonicalSpec {
	svc := toComposeService(spec)

	keys := make([]string, 0, len(svc.Environment))
	for k := range svc.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		v := ""
		if p := svc.Environment[k]; p != nil {
			v = *p
		}
		env = append(env, k+"="+v)
	}

	mounts := make([]wire.Mount, 0, len(svc.Volumes))
	for _, v := range svc.Volumes {
		mounts = append(mounts, wire.Mount{Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly})
	}
	sort.Slice(mounts, func(i, j int) bool {
		if mounts[i].Source != mounts[j].Source {
			return mounts[i].Source < mounts[j].Source
		}
		return mounts[i].Target < mounts[j].Target
	})

	ports := make([]wire.PortMapping, 0, len(svc.Ports))
	for _, p := range svc.Ports {
		ports = append(ports, wire.PortMapping{
			HostPort:      atoiPort(p.Published),
			ContainerPort: uint16(p.Target),
			Protocol:      p.Protocol,
		})
	}
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].HostPort != ports[j].HostPort {
			return ports[i].HostPort < ports[j].HostPort
		}
		return ports[i].ContainerPort < ports[j].ContainerPort
	})

	volumes := append([]string(nil), spec.Volumes...)
	sort.Strings(volumes)

	return canonicalSpec{
		Image:   svc.Image,
		Env:     env,
		Mounts:  mounts,
		Ports:   ports,
		Volumes: volumes,
		Cmd:     spec.Cmd,
		Args:    append([]string(nil), spec.Args...),
		Labels:  map[string]string(svc.Labels),
	}
}

// classifyChange compares two canonical specs. A change confined to
// env/labels is NeedsUpdate (reload-or-restart suffices); anything
// touching the container's identity (image, mounts, ports, command)
// is NeedsRecreate (full stop/start), per the sec 9 decision recorded
// in DESIGN.md.
func classifyChange(current, incoming canonicalSpec) ChangeKind {
	if reflect.DeepEqual(current, incoming) {
		return UpToDate
	}

	currentIdentity := current
	currentIdentity.Env = nil
	currentIdentity.Labels = nil
	incomingIdentity := incoming
	incomingIdentity.Env = nil
	incomingIdentity.Labels = nil
	if reflect.DeepEqual(currentIdentity, incomingIdentity) {
		return NeedsUpdate
	}
	return NeedsRecreate
}

func itoa(v uint16) string { return strconv.Itoa(int(v)) }

func atoiPort(s string) uint16 {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}
