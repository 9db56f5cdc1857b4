package unit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"avena/internal/errkind"
)

// lifecycleTimeout is fixed by spec sec 7 ("unit lifecycle calls time
// out at 30s").
const lifecycleTimeout = 30 * time.Second

// Emitter writes unit files to disk and drives their systemd
// lifecycle. Grounded on the determinism/ownership discipline of
// internal/deploy (byte-identical rendering, atomic write) paired
// with a dbus.Conn instead of a container engine client, since the
// container runtime itself is explicitly out of scope.
type Emitter struct {
	dir string
}

// NewEmitter binds an Emitter to the directory Quadlet unit files are
// written into (typically the user's systemd generator search path).
func NewEmitter(dir string) *Emitter {
	return &Emitter{dir: dir}
}

// Write atomically writes a rendered unit file, replacing any prior
// content byte-for-byte identical or not — callers compare rendered
// output themselves to decide whether a write is even needed.
func (e *Emitter) Write(name, content string) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return errkind.New(errkind.Fatal, "create unit directory", err)
	}
	path := filepath.Join(e.dir, FileName(name))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return errkind.New(errkind.Fatal, "write unit file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errkind.New(errkind.Fatal, "rename unit file", err)
	}
	return nil
}

// Remove deletes a unit file previously written by Write. Missing
// files are not an error — the tick that issues stop+remove may race
// a prior partial removal.
func (e *Emitter) Remove(name string) error {
	path := filepath.Join(e.dir, FileName(name))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errkind.New(errkind.Fatal, "remove unit file", err)
	}
	return nil
}

// Read returns the current on-disk content of a unit file, or ("",
// false, nil) if it does not exist, used to compare against a freshly
// rendered spec before deciding a tick needs a write.
func (e *Emitter) Read(name string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(e.dir, FileName(name)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errkind.New(errkind.Transient, "read unit file", err)
	}
	return string(data), true, nil
}

// Units lists the workload names of every Avena-managed unit file
// currently on disk (the "actual set A" of spec sec 4.G step 2).
func (e *Emitter) Units() ([]string, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.New(errkind.Transient, "list unit directory", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		const suffix = ".container"
		if len(entry.Name()) > len(suffix) && entry.Name()[len(entry.Name())-len(suffix):] == suffix {
			data, err := os.ReadFile(filepath.Join(e.dir, entry.Name()))
			if err != nil || !strings.HasPrefix(string(data), managedMarker+"\n") {
				continue // unreadable, or not written by Render
			}
			names = append(names, entry.Name()[:len(entry.Name())-len(suffix)])
		}
	}
	return names, nil
}

func unitName(name string) string { return name + ".service" }

func dial(ctx context.Context) (*dbus.Conn, error) {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return nil, errkind.New(errkind.Transient, "connect to systemd", err)
	}
	return conn, nil
}

// Start issues systemd start for name's unit, 30s deadline.
func (e *Emitter) Start(ctx context.Context, name string) error {
	return e.job(ctx, name, func(conn *dbus.Conn, unit string, ch chan<- string) (int, error) {
		return conn.StartUnitContext(ctx, unit, "replace", ch)
	})
}

// Stop issues systemd stop for name's unit, 30s deadline.
func (e *Emitter) Stop(ctx context.Context, name string) error {
	return e.job(ctx, name, func(conn *dbus.Conn, unit string, ch chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, unit, "replace", ch)
	})
}

// ReloadOrRestart issues systemd reload-or-restart for name's unit,
// 30s deadline — used for a field-level change that does not require
// a full recreate (sec 9 open question, resolved in DESIGN.md).
func (e *Emitter) ReloadOrRestart(ctx context.Context, name string) error {
	return e.job(ctx, name, func(conn *dbus.Conn, unit string, ch chan<- string) (int, error) {
		return conn.ReloadOrRestartUnitContext(ctx, unit, "replace", ch)
	})
}

func (e *Emitter) job(ctx context.Context, name string, issue func(*dbus.Conn, string, chan<- string) (int, error)) error {
	ctx, cancel := context.WithTimeout(ctx, lifecycleTimeout)
	defer cancel()

	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch := make(chan string, 1)
	if _, err := issue(conn, unitName(name), ch); err != nil {
		return errkind.New(errkind.Transient, fmt.Sprintf("issue systemd job for %s", name), err)
	}

	select {
	case result := <-ch:
		if result != "done" {
			return errkind.New(errkind.Fatal, fmt.Sprintf("systemd job for %s finished with result %q", name, result), nil)
		}
		return nil
	case <-ctx.Done():
		return errkind.New(errkind.Transient, fmt.Sprintf("systemd job for %s timed out", name), ctx.Err())
	}
}
