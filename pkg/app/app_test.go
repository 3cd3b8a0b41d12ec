package app_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	g "github.com/onsi/gomega"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"bubbles/pkg/app"
	"bubbles/pkg/defaults"
	berrors "bubbles/pkg/errors"
	"bubbles/pkg/hypervisor/crosvm"
	"bubbles/pkg/images"
	"bubbles/pkg/models"
	"bubbles/pkg/network"
	"bubbles/pkg/ports"
	"bubbles/pkg/process/processtest"
	"bubbles/pkg/registry"
)

type fakeGuest struct {
	rec *processtest.Recorder

	mu          sync.Mutex
	ready       bool
	shutdownErr error
	terminalErr error
	onShutdown  func()
	terminals   int
}

func (f *fakeGuest) setReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ready = ready
}

func (f *fakeGuest) Ready(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.ready {
		return berrors.ErrGuestUnreachable
	}

	return nil
}

func (f *fakeGuest) Shutdown(_ context.Context) error {
	f.rec.Record("guest:shutdown")

	f.mu.Lock()
	err, onShutdown := f.shutdownErr, f.onShutdown
	f.mu.Unlock()

	if err != nil {
		return err
	}

	if onShutdown != nil {
		onShutdown()
	}

	return nil
}

func (f *fakeGuest) SpawnTerminal(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.terminalErr != nil {
		return f.terminalErr
	}

	f.terminals++

	return nil
}

type fixture struct {
	fs     afero.Fs
	runner *processtest.Runner
	guest  *fakeGuest
	cfg    *app.Config
	env    map[string]string
	app    app.App
}

func argAfter(args []string, flag string) string {
	for i := range args[:len(args)-1] {
		if args[i] == flag {
			return args[i+1]
		}
	}

	return ""
}

func newFixture(t *testing.T, mods ...func(f *fixture)) *fixture {
	t.Helper()

	f := &fixture{
		fs:     afero.NewMemMapFs(),
		runner: processtest.NewRunner(),
		cfg: &app.Config{
			Provider:     crosvm.HypervisorName,
			DefaultImage: defaults.Image,
			PollInterval: time.Millisecond,
		},
		env: map[string]string{
			"XDG_RUNTIME_DIR": "/run/user/1000",
			"WAYLAND_DISPLAY": "wayland-0",
		},
	}
	f.guest = &fakeGuest{rec: f.runner.Recorder, ready: true}
	f.guest.onShutdown = func() {
		if hv := f.runner.Last(models.RoleHypervisor); hv != nil {
			hv.Exit(nil)
		}
	}
	f.runner.OnStart = func(spec ports.ProcessSpec, proc *processtest.Process) {
		switch spec.Role {
		case models.RoleNetworkBackend:
			_ = afero.WriteFile(f.fs, argAfter(spec.Args, "--socket"), nil, 0o600)
		case models.RoleHypervisor:
			_ = afero.WriteFile(f.fs, argAfter(spec.Args, "--socket"), nil, 0o600)
		case models.RoleHypervisorControl:
			proc.Exit(nil)
			f.runner.Last(models.RoleHypervisor).Exit(nil)
		}
	}

	for _, mod := range mods {
		mod(f)
	}

	for _, file := range defaults.AssetFiles {
		path := filepath.Join("/data", defaults.ImagesDir, defaults.Image, file)
		if err := afero.WriteFile(f.fs, path, []byte(file), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	repo := registry.New(&registry.Config{
		StorageRoot:      "/data",
		NetworkSocketDir: "/tmp",
		Hardware:         crosvm.DefaultHardware(),
	}, f.fs)

	env := f.env
	collection := &ports.Collection{
		Repo: repo,
		Hypervisors: map[string]ports.HypervisorService{
			crosvm.HypervisorName: crosvm.New(&crosvm.Config{
				CrosvmBin: "/tools/crosvm",
				Hardware:  crosvm.DefaultHardware(),
				GuestCID:  defaults.GuestCID,
				LookupEnv: func(key string) (string, bool) {
					value, ok := env[key]

					return value, ok
				},
			}, f.runner, f.fs),
		},
		Network: network.New(&network.Config{
			ForwarderBin: "/tools/socat",
			BackendBin:   "/tools/passt",
			GuestCID:     defaults.GuestCID,
			AgentPort:    defaults.AgentVSockPort,
			PollInterval: time.Millisecond,
		}, f.runner, f.fs),
		Guest: func(string) ports.GuestClient { return f.guest },
		Images: images.New(&images.Config{
			Root:            repo.ImagesRoot(),
			DownloadCommand: defaults.DownloadCommand,
			Catalog:         images.DefaultCatalog(),
		}, f.runner, f.fs),
		FileSystem: f.fs,
		Clock:      time.Now,
	}

	f.app = app.New(f.cfg, collection)

	return f
}

func (f *fixture) create(t *testing.T, name string) {
	t.Helper()

	if _, err := f.app.Create(context.Background(), name, ""); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) status(name string) models.VMStatus {
	vms, err := f.app.List(context.Background())
	g.Expect(err).NotTo(g.HaveOccurred())

	for _, vm := range vms {
		if vm.Name == name {
			return vm.Status
		}
	}

	return models.NotRunning
}

func collect(t *testing.T, ch <-chan models.StatusEvent, n int) []models.StatusEvent {
	t.Helper()

	events := make([]models.StatusEvent, 0, n)
	timeout := time.After(5 * time.Second)

	for len(events) < n {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("received %d of %d events", len(events), n)
		}
	}

	return events
}

func statuses(events []models.StatusEvent) []models.VMStatus {
	out := make([]models.VMStatus, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Status)
	}

	return out
}

func TestCreate_list(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)

	vms, err := f.app.List(context.Background())
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(vms).To(g.BeEmpty())

	vm, err := f.app.Create(context.Background(), "vm1", "")
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(vm.Status).To(g.Equal(models.NotRunning))

	_, err = f.app.Create(context.Background(), "vm1", "")
	g.Expect(err).To(g.MatchError(berrors.ErrVMExists))

	vms, err = f.app.List(context.Background())
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(vms).To(g.HaveLen(1))
	g.Expect(vms[0].Name).To(g.Equal("vm1"))
	g.Expect(vms[0].Status).To(g.Equal(models.NotRunning))
}

func TestStartStop_lifecycle(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)
	f.create(t, "vm1")

	events, cancel := f.app.Subscribe()
	defer cancel()

	session, err := f.app.Start(context.Background(), "vm1")
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Eventually(session.Ready(), 5*time.Second).Should(g.BeClosed())
	g.Expect(f.status("vm1")).To(g.Equal(models.Running))

	g.Expect(f.app.Stop(context.Background(), "vm1")).To(g.Succeed())
	g.Expect(session.Done()).To(g.BeClosed())
	g.Expect(session.Err()).NotTo(g.HaveOccurred())
	g.Expect(f.status("vm1")).To(g.Equal(models.NotRunning))

	got := collect(t, events, 4)
	g.Expect(statuses(got)).To(g.Equal([]models.VMStatus{
		models.InFlux, models.Running, models.InFlux, models.NotRunning,
	}))
	g.Expect(got[3].Err).To(g.BeNil())

	g.Expect(f.runner.Recorder.Events()).To(g.Equal([]string{
		"start:bridge",
		"start:network-backend",
		"start:hypervisor",
		"guest:shutdown",
		"exit:hypervisor",
		"waited:hypervisor",
		"signal:bridge",
		"exit:bridge",
		"signal:network-backend",
		"exit:network-backend",
		"waited:bridge",
		"waited:network-backend",
	}))

	exists, _ := afero.Exists(f.fs, "/data/vms/vm1/crosvm_socket")
	g.Expect(exists).To(g.BeFalse())
	exists, _ = afero.Exists(f.fs, "/tmp/passt_socket_vm1")
	g.Expect(exists).To(g.BeFalse())
}

func TestStartStop_twice(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)
	f.create(t, "vm1")

	for i := 0; i < 2; i++ {
		session, err := f.app.Start(context.Background(), "vm1")
		g.Expect(err).NotTo(g.HaveOccurred())
		g.Eventually(session.Ready(), 5*time.Second).Should(g.BeClosed())
		g.Expect(f.app.Stop(context.Background(), "vm1")).To(g.Succeed())
	}

	g.Expect(f.runner.Started(models.RoleHypervisor)).To(g.HaveLen(2))
}

func TestStop_notRunningIsNoop(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)
	f.create(t, "vm1")

	events, cancel := f.app.Subscribe()
	defer cancel()

	g.Expect(f.app.Stop(context.Background(), "vm1")).To(g.Succeed())
	g.Expect(f.app.Stop(context.Background(), "vm1")).To(g.Succeed())

	g.Expect(f.runner.Recorder.Events()).To(g.BeEmpty())
	g.Consistently(events, 50*time.Millisecond).ShouldNot(g.Receive())
}

func TestStop_unknownVM(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)

	g.Expect(f.app.Stop(context.Background(), "ghost")).To(g.MatchError(berrors.ErrVMNotFound))
}

func TestStart_rejectsWhileBusy(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)
	f.guest.setReady(false)
	f.create(t, "vm1")

	session, err := f.app.Start(context.Background(), "vm1")
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Expect(f.status("vm1")).To(g.Equal(models.InFlux))

	_, err = f.app.Start(context.Background(), "vm1")
	g.Expect(err).To(g.MatchError(berrors.ErrVMBusy))
	g.Expect(f.app.Stop(context.Background(), "vm1")).To(g.MatchError(berrors.ErrVMBusy))

	f.guest.setReady(true)
	g.Eventually(session.Ready(), 5*time.Second).Should(g.BeClosed())

	_, err = f.app.Start(context.Background(), "vm1")
	g.Expect(err).To(g.MatchError(berrors.ErrVMAlreadyRunning))

	g.Expect(f.app.Stop(context.Background(), "vm1")).To(g.Succeed())
	g.Expect(f.runner.Started(models.RoleHypervisor)).To(g.HaveLen(1))
}

func TestStart_hypervisorExitsEarly(t *testing.T) {
	g.RegisterTestingT(t)

	crash := errors.New("exit status 1")
	f := newFixture(t)
	f.guest.setReady(false)
	f.create(t, "vm1")

	events, cancel := f.app.Subscribe()
	defer cancel()

	session, err := f.app.Start(context.Background(), "vm1")
	g.Expect(err).NotTo(g.HaveOccurred())

	g.Eventually(func() *processtest.Process {
		return f.runner.Last(models.RoleHypervisor)
	}, 5*time.Second).ShouldNot(g.BeNil())
	f.runner.Last(models.RoleHypervisor).Exit(crash)

	g.Expect(session.Wait(context.Background())).To(g.MatchError(berrors.ErrHypervisorExited))
	g.Expect(session.Ready()).NotTo(g.BeClosed())

	got := collect(t, events, 2)
	g.Expect(statuses(got)).To(g.Equal([]models.VMStatus{models.InFlux, models.NotRunning}))
	g.Expect(got[1].Err).To(g.MatchError(berrors.ErrHypervisorExited))

	g.Expect(f.runner.Last(models.RoleBridge).Exited()).To(g.BeTrue())
	g.Expect(f.runner.Last(models.RoleNetworkBackend).Exited()).To(g.BeTrue())
	g.Expect(f.status("vm1")).To(g.Equal(models.NotRunning))
}

func TestStart_readyTimeout(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t, func(f *fixture) {
		f.cfg.ReadyTimeout = 20 * time.Millisecond
	})
	f.guest.setReady(false)
	f.create(t, "vm1")

	session, err := f.app.Start(context.Background(), "vm1")
	g.Expect(err).NotTo(g.HaveOccurred())

	g.Expect(session.Wait(context.Background())).To(g.MatchError(berrors.ErrGuestUnreachable))

	g.Expect(f.runner.Last(models.RoleHypervisor).Signals()).To(g.ConsistOf(unix.SIGTERM))
	g.Expect(f.runner.Recorder.Events()[3:]).To(g.Equal([]string{
		"signal:hypervisor",
		"exit:hypervisor",
		"waited:hypervisor",
		"signal:bridge",
		"exit:bridge",
		"signal:network-backend",
		"exit:network-backend",
		"waited:bridge",
		"waited:network-backend",
	}))
	g.Expect(f.status("vm1")).To(g.Equal(models.NotRunning))
}

func TestStart_networkFailure(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)
	f.runner.StartErr[models.RoleNetworkBackend] = errors.New("passt: permission denied")
	f.create(t, "vm1")

	session, err := f.app.Start(context.Background(), "vm1")
	g.Expect(err).NotTo(g.HaveOccurred())

	g.Expect(session.Wait(context.Background())).To(g.MatchError(g.ContainSubstring("setting up network")))
	g.Expect(f.runner.Started(models.RoleHypervisor)).To(g.BeEmpty())
	g.Expect(f.runner.Last(models.RoleBridge).Exited()).To(g.BeTrue())
	g.Expect(f.status("vm1")).To(g.Equal(models.NotRunning))
}

func TestStart_hypervisorSpawnFailure(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)
	f.runner.StartErr[models.RoleHypervisor] = errors.New("crosvm: exec format error")
	f.create(t, "vm1")

	session, err := f.app.Start(context.Background(), "vm1")
	g.Expect(err).NotTo(g.HaveOccurred())

	g.Expect(session.Wait(context.Background())).To(g.MatchError(g.ContainSubstring("starting hypervisor")))
	g.Expect(f.runner.Last(models.RoleBridge).Exited()).To(g.BeTrue())
	g.Expect(f.runner.Last(models.RoleNetworkBackend).Exited()).To(g.BeTrue())
	g.Expect(f.status("vm1")).To(g.Equal(models.NotRunning))
}

func TestStart_environmentIncomplete(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t, func(f *fixture) {
		delete(f.env, "WAYLAND_DISPLAY")
	})
	f.create(t, "vm1")

	events, cancel := f.app.Subscribe()
	defer cancel()

	_, err := f.app.Start(context.Background(), "vm1")
	g.Expect(err).To(g.MatchError(berrors.ErrEnvironmentIncomplete))

	g.Expect(f.runner.Recorder.Events()).To(g.BeEmpty())
	g.Expect(f.status("vm1")).To(g.Equal(models.NotRunning))
	g.Consistently(events, 50*time.Millisecond).ShouldNot(g.Receive())
}

func TestStart_unknownVM(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)

	_, err := f.app.Start(context.Background(), "ghost")
	g.Expect(err).To(g.MatchError(berrors.ErrVMNotFound))
}

func TestHypervisorCrashWhileRunning(t *testing.T) {
	g.RegisterTestingT(t)

	crash := errors.New("signal: killed")
	f := newFixture(t)
	f.create(t, "vm1")

	events, cancel := f.app.Subscribe()
	defer cancel()

	session, err := f.app.Start(context.Background(), "vm1")
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Eventually(session.Ready(), 5*time.Second).Should(g.BeClosed())

	f.runner.Last(models.RoleHypervisor).Exit(crash)

	g.Expect(session.Wait(context.Background())).To(g.MatchError(crash))

	got := collect(t, events, 4)
	g.Expect(statuses(got)).To(g.Equal([]models.VMStatus{
		models.InFlux, models.Running, models.InFlux, models.NotRunning,
	}))
	g.Expect(got[3].Err).To(g.MatchError(crash))
	g.Expect(f.runner.Last(models.RoleNetworkBackend).Exited()).To(g.BeTrue())
}

func TestStop_fallsBackToHypervisorStop(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)
	f.guest.shutdownErr = berrors.ErrGuestUnreachable
	f.create(t, "vm1")

	session, err := f.app.Start(context.Background(), "vm1")
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Eventually(session.Ready(), 5*time.Second).Should(g.BeClosed())

	g.Expect(f.app.Stop(context.Background(), "vm1")).To(g.Succeed())

	control := f.runner.Last(models.RoleHypervisorControl)
	g.Expect(control).NotTo(g.BeNil())
	g.Expect(control.Spec.Args).To(g.Equal([]string{"stop", "/data/vms/vm1/crosvm_socket"}))
	g.Expect(session.Err()).NotTo(g.HaveOccurred())
	g.Expect(f.status("vm1")).To(g.Equal(models.NotRunning))
}

func TestStop_unownedVM(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)
	for _, file := range append(defaults.AssetFiles, defaults.HypervisorSocketFile) {
		g.Expect(afero.WriteFile(f.fs, filepath.Join("/data/vms/vm1", file), nil, 0o600)).To(g.Succeed())
	}
	f.guest.onShutdown = func() {
		_ = f.fs.Remove("/data/vms/vm1/crosvm_socket")
	}

	g.Expect(f.status("vm1")).To(g.Equal(models.Running))

	events, cancel := f.app.Subscribe()
	defer cancel()

	g.Expect(f.app.Stop(context.Background(), "vm1")).To(g.Succeed())
	g.Expect(f.runner.Recorder.Events()).To(g.Equal([]string{"guest:shutdown"}))
	g.Expect(f.status("vm1")).To(g.Equal(models.NotRunning))

	g.Expect(statuses(collect(t, events, 2))).To(g.Equal([]models.VMStatus{
		models.InFlux, models.NotRunning,
	}))
}

// hypervisorOf returns the hypervisor process started for vm.
func (f *fixture) hypervisorOf(vm string) *processtest.Process {
	for _, proc := range f.runner.Started(models.RoleHypervisor) {
		if argAfter(proc.Spec.Args, "--name") == vm {
			return proc
		}
	}

	return nil
}

func TestStart_vmsGetDistinctGuestCIDs(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)
	f.create(t, "a")
	f.create(t, "b")

	for _, name := range []string{"a", "b"} {
		session, err := f.app.Start(context.Background(), name)
		g.Expect(err).NotTo(g.HaveOccurred())
		g.Eventually(session.Ready(), 5*time.Second).Should(g.BeClosed())
	}

	cidA := argAfter(f.hypervisorOf("a").Spec.Args, "--vsock")
	cidB := argAfter(f.hypervisorOf("b").Spec.Args, "--vsock")
	g.Expect(cidA).NotTo(g.BeEmpty())
	g.Expect(cidA).NotTo(g.Equal(cidB))

	forwarders := map[string]string{}
	for _, proc := range f.runner.Started(models.RoleBridge) {
		forwarders[proc.Spec.Args[0]] = proc.Spec.Args[1]
	}
	g.Expect(forwarders).To(g.Equal(map[string]string{
		"UNIX-LISTEN:/data/vms/a/vsock,fork": "VSOCK-CONNECT:" + cidA + ":11111",
		"UNIX-LISTEN:/data/vms/b/vsock,fork": "VSOCK-CONNECT:" + cidB + ":11111",
	}))

	for _, name := range []string{"a", "b"} {
		name := name
		f.guest.mu.Lock()
		f.guest.onShutdown = func() { f.hypervisorOf(name).Exit(nil) }
		f.guest.mu.Unlock()

		g.Expect(f.app.Stop(context.Background(), name)).To(g.Succeed())
	}
}

func TestStart_vmOwnedByAnotherInstance(t *testing.T) {
	g.RegisterTestingT(t)

	first := newFixture(t)
	first.guest.setReady(false)
	first.create(t, "dev")

	second := newFixture(t, func(f *fixture) {
		f.fs = first.fs
		f.runner = first.runner
		f.guest.rec = first.runner.Recorder
	})

	session, err := first.app.Start(context.Background(), "dev")
	g.Expect(err).NotTo(g.HaveOccurred())

	g.Expect(second.status("dev")).To(g.Equal(models.InFlux))

	_, err = second.app.Start(context.Background(), "dev")
	g.Expect(err).To(g.MatchError(berrors.ErrVMBusy))
	g.Expect(second.app.Stop(context.Background(), "dev")).To(g.MatchError(berrors.ErrVMBusy))

	first.guest.setReady(true)
	g.Eventually(session.Ready(), 5*time.Second).Should(g.BeClosed())
	g.Eventually(func() models.VMStatus {
		return second.status("dev")
	}, 5*time.Second, time.Millisecond).Should(g.Equal(models.Running))

	_, err = second.app.Start(context.Background(), "dev")
	g.Expect(err).To(g.MatchError(berrors.ErrVMAlreadyRunning))

	g.Expect(second.app.Stop(context.Background(), "dev")).To(g.Succeed())
	g.Expect(second.status("dev")).To(g.Equal(models.NotRunning))
	g.Eventually(session.Done(), 5*time.Second).Should(g.BeClosed())

	g.Expect(first.runner.Started(models.RoleHypervisor)).To(g.HaveLen(1))
	g.Expect(first.runner.Started(models.RoleBridge)).To(g.HaveLen(1))
	g.Expect(first.runner.Started(models.RoleNetworkBackend)).To(g.HaveLen(1))

	next, err := second.app.Start(context.Background(), "dev")
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Eventually(next.Ready(), 5*time.Second).Should(g.BeClosed())
	g.Expect(second.app.Stop(context.Background(), "dev")).To(g.Succeed())
}

func TestSpawnTerminal(t *testing.T) {
	g.RegisterTestingT(t)

	f := newFixture(t)
	f.create(t, "vm1")

	g.Expect(f.app.SpawnTerminal(context.Background(), "vm1")).To(g.MatchError(berrors.ErrVMNotRunning))

	session, err := f.app.Start(context.Background(), "vm1")
	g.Expect(err).NotTo(g.HaveOccurred())
	g.Eventually(session.Ready(), 5*time.Second).Should(g.BeClosed())

	g.Expect(f.app.SpawnTerminal(context.Background(), "vm1")).To(g.Succeed())
	g.Expect(f.guest.terminals).To(g.Equal(1))

	f.guest.terminalErr = errors.New("unexpected status 500")
	g.Expect(f.app.SpawnTerminal(context.Background(), "vm1")).To(g.MatchError(f.guest.terminalErr))

	g.Expect(f.app.Stop(context.Background(), "vm1")).To(g.Succeed())
}
