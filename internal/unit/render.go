// Package unit renders WorkloadSpecs into Podman Quadlet `.container`
// unit files and drives their systemd lifecycle (spec sec 4.H). The
// container runtime itself is out of scope (spec non-goals); Avena
// only emits the unit description and asks systemd to start/stop/
// reload it.
package unit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"avena/internal/hlc"
	"avena/pkg/wire"
)

// managedMarker is written into every emitted unit file's header so a
// resync pass can tell an Avena-owned unit apart from anything else
// that might live in the same directory.
const managedMarker = "# Managed-By: avena"

// specHeaderPrefix precedes the canonical spec, base64-encoded so an
// arbitrary env value or label can never break the unit file's own
// line-oriented syntax. The reconciler parses this back out (rather
// than re-deriving the spec from `Image=`/`Environment=` lines) so it
// can classify an update's reload-vs-recreate kind against the exact
// spec that produced the prior render, not a lossy reconstruction of
// it.
const specHeaderPrefix = "# Workload-Spec: "

// Render produces the byte-identical-for-identical-input text of a
// Quadlet .container unit for name, deterministic per spec sec 4.H:
// env/args keep author order; mounts are written sorted by source then
// target and ports by host then container port (the same ordering
// reconcile's normalizeWorkloadSpec uses, grounded on the teacher's
// normalizeMountEntries/normalizePortEntries).
func Render(name string, spec wire.WorkloadSpec, ts hlc.Timestamp) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", managedMarker)
	fmt.Fprintf(&b, "# Workload-HLC: %d.%d.%s\n", ts.WallMS, ts.Counter, ts.NodeID)
	fmt.Fprintf(&b, "%s%s\n\n", specHeaderPrefix, encodeSpecHeader(spec))

	fmt.Fprintf(&b, "[Unit]\n")
	fmt.Fprintf(&b, "Description=Avena workload %s\n\n", name)

	fmt.Fprintf(&b, "[Container]\n")
	image := spec.Image
	if spec.Tag != "" {
		image = image + ":" + spec.Tag
	}
	fmt.Fprintf(&b, "Image=%s\n", image)
	fmt.Fprintf(&b, "ContainerName=%s\n", name)

	for _, e := range spec.Env {
		fmt.Fprintf(&b, "Environment=%s\n", e)
	}
	mounts := append([]wire.Mount(nil), spec.Mounts...)
	sort.Slice(mounts, func(i, j int) bool {
		return mounts[i].Source < mounts[j].Source || (mounts[i].Source == mounts[j].Source && mounts[i].Target < mounts[j].Target)
	})
	for _, m := range mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		fmt.Fprintf(&b, "Volume=%s:%s:%s\n", m.Source, m.Target, mode)
	}
	for _, v := range spec.Volumes {
		fmt.Fprintf(&b, "Volume=%s\n", v)
	}
	ports := append([]wire.PortMapping(nil), spec.Ports...)
	sort.Slice(ports, func(i, j int) bool {
		return ports[i].HostPort < ports[j].HostPort || (ports[i].HostPort == ports[j].HostPort && ports[i].ContainerPort < ports[j].ContainerPort)
	})
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		fmt.Fprintf(&b, "PublishPort=%d:%d/%s\n", p.HostPort, p.ContainerPort, proto)
	}
	for _, k := range sortedLabelKeys(spec.Labels) {
		fmt.Fprintf(&b, "Label=%s=%s\n", k, spec.Labels[k])
	}
	if spec.Cmd != "" {
		fmt.Fprintf(&b, "Exec=%s", spec.Cmd)
		if len(spec.Args) > 0 {
			fmt.Fprintf(&b, " %s", strings.Join(spec.Args, " "))
		}
		fmt.Fprintf(&b, "\n")
	}

	fmt.Fprintf(&b, "\n[Service]\n")
	fmt.Fprintf(&b, "Restart=on-failure\n")

	fmt.Fprintf(&b, "\n[Install]\n")
	fmt.Fprintf(&b, "WantedBy=default.target\n")

	return b.String()
}

// FileName is the on-disk name for a workload's unit file, matching
// spec sec 6's `{workload_name}.container` example.
func FileName(name string) string { return name + ".container" }

func encodeSpecHeader(spec wire.WorkloadSpec) string {
	data, err := json.Marshal(spec)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

// SpecFromRender recovers the canonical spec embedded in a unit file
// previously produced by Render. It returns ok=false if content has
// no recognizable spec header (e.g. a unit file Avena didn't write),
// in which case the caller should treat the update conservatively.
func SpecFromRender(content string) (spec wire.WorkloadSpec, ok bool) {
	for _, line := range strings.Split(content, "\n") {
		if !strings.HasPrefix(line, specHeaderPrefix) {
			continue
		}
		encoded := strings.TrimPrefix(line, specHeaderPrefix)
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return wire.WorkloadSpec{}, false
		}
		if err := json.Unmarshal(data, &spec); err != nil {
			return wire.WorkloadSpec{}, false
		}
		return spec, true
	}
	return wire.WorkloadSpec{}, false
}

func sortedLabelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
