package server

import (
	"context"
	"testing"
	"time"

	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/fetch"
	"github.com/jackzampolin/bookdrop/internal/home"
	"github.com/jackzampolin/bookdrop/internal/jobs"
	"github.com/jackzampolin/bookdrop/internal/source"
	"github.com/jackzampolin/bookdrop/internal/store"
	"github.com/jackzampolin/bookdrop/internal/testutil"
)

func TestServer_Lifecycle(t *testing.T) {
	cfg := testutil.NewServerConfig(t)

	h, err := home.New(cfg.HomeDir)
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}
	if err := h.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists() error = %v", err)
	}

	st := store.New(store.Config{Logger: cfg.Logger})
	src := source.NewMockSource(books.Book{ID: "abc", Title: "Dune", Format: "epub"})

	policy := jobs.DefaultPolicy()
	policy.TmpDir = cfg.TmpDir
	policy.IngestDir = cfg.IngestDir

	mgr, err := jobs.NewManager(jobs.ManagerConfig{
		Store:   st,
		Source:  src,
		Fetcher: fetch.New(fetch.Config{Logger: cfg.Logger}),
		Policy:  policy,
		Logger:  cfg.Logger,
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	srv, err := New(Config{
		Host:    cfg.Host,
		Port:    cfg.Port,
		Manager: mgr,
		Store:   st,
		Source:  src,
		Home:    h,
		Logger:  cfg.Logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Start(ctx)
	}()

	if err := testutil.WaitForServer(cfg.URL(), 10*time.Second); err != nil {
		cancel()
		t.Fatalf("WaitForServer() error = %v", err)
	}
	if !srv.IsRunning() {
		t.Error("IsRunning() = false while serving")
	}

	if err := srv.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}

	status, err := testutil.GetStatus(cfg.URL())
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status.Server != "running" || status.Source != source.MockSourceName || status.Home != h.Path() {
		t.Errorf("status = %+v", status)
	}
	if !status.Manager.Running || status.Manager.Workers != 3 {
		t.Errorf("manager = %+v, want running with 3 workers", status.Manager)
	}
	if status.Bypass.Enabled {
		t.Error("bypass should be disabled")
	}

	cancel()
	if err := testutil.WaitForShutdown(done, 10*time.Second); err != nil {
		t.Fatalf("Start() returned error = %v", err)
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after shutdown")
	}
	if mgr.Running() {
		t.Error("manager still running after shutdown")
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	env := newTestEnv(t)
	cfg := testutil.NewServerConfig(t)

	first, err := New(Config{Host: cfg.Host, Port: cfg.Port, Manager: env.manager, Store: store.New(store.Config{}), Logger: cfg.Logger})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Start(ctx) }()
	if err := testutil.WaitForServer(cfg.URL(), 10*time.Second); err != nil {
		cancel()
		t.Fatalf("WaitForServer() error = %v", err)
	}

	second, err := New(Config{Host: cfg.Host, Port: cfg.Port, Manager: env.manager, Store: store.New(store.Config{}), Logger: cfg.Logger})
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Start(context.Background()); err == nil {
		t.Error("Start() on a bound port should fail")
	}

	cancel()
	if err := testutil.WaitForShutdown(done, 10*time.Second); err != nil {
		t.Fatalf("Start() returned error = %v", err)
	}
}
