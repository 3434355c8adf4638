package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/mapping/internal/fsutil"
	"github.com/banshee-data/mapping/internal/mapping/geometry"
	"github.com/banshee-data/mapping/internal/mapping/mapper"
	"github.com/banshee-data/mapping/internal/mapping/monitor"
	"github.com/banshee-data/mapping/internal/mapping/provider"
	"github.com/banshee-data/mapping/internal/mapping/publisher"
	"github.com/banshee-data/mapping/internal/mapping/render"
	"github.com/banshee-data/mapping/internal/mapping/storage/sqlite"
	"github.com/banshee-data/mapping/internal/mapping/stream"
	"github.com/banshee-data/mapping/internal/mapping/tf"
	"github.com/banshee-data/mapping/internal/monitoring"
	"github.com/banshee-data/mapping/internal/timeutil"
)

// BuildOptions are the process-wide collaborators injected into the
// components built from a MappingConfig.
type BuildOptions struct {
	Clock timeutil.Clock
	FS    fsutil.FileSystem
	// Registry defaults to mapper.DefaultRegistry().
	Registry *mapper.Registry
}

// runner is a component that runs until its context is cancelled.
type runner struct {
	name string
	run  func(ctx context.Context) error
}

// Runtime is a fully wired mapping process.
type Runtime struct {
	Manager    *mapper.Manager
	Providers  provider.Registry
	Publishers publisher.Registry
	Transforms *tf.Buffer

	runners []runner
	closers []io.Closer
}

// Build constructs every provider, publisher, transform and mapper declared
// in cfg. Nothing listens or reads until Run is called.
func Build(cfg *MappingConfig, opts BuildOptions) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}

	rt := &Runtime{
		Manager:    mapper.NewManager(),
		Providers:  provider.Registry{},
		Publishers: publisher.Registry{},
		Transforms: tf.NewBuffer(tf.Options{Clock: opts.Clock}),
	}
	if err := rt.build(cfg, opts); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(cfg *MappingConfig, opts BuildOptions) error {
	for i := range cfg.Providers {
		rt.addProvider(&cfg.Providers[i], opts)
	}

	var web *monitor.WebServer
	var stores []*sqlite.Store
	for i := range cfg.Publishers {
		pc := &cfg.Publishers[i]
		switch pc.Type {
		case PublisherHTTP:
			ws := monitor.NewWebServer(monitor.WebServerConfig{
				Name:            pc.Name,
				Address:         pc.GetAddress(),
				Mappers:         rt.Manager,
				SaveRoot:        pc.GetDir(),
				AllowedSaveDirs: pc.AllowedSaveDirs,
			})
			if web == nil {
				web = ws
			}
			rt.Publishers.Add(ws)
			rt.runners = append(rt.runners, runner{name: pc.Name, run: ws.Start})
		case PublisherSQLite:
			store, err := sqlite.Open(sqlite.Options{Name: pc.Name, Path: pc.GetPath(), Retain: pc.GetRetain()})
			if err != nil {
				return fmt.Errorf("publisher %q: %w", pc.Name, err)
			}
			stores = append(stores, store)
			rt.closers = append(rt.closers, store)
			rt.Publishers.Add(store)
		case PublisherGRPC:
			srv := stream.NewServer(stream.Config{Name: pc.Name, Address: pc.GetAddress(), ClientBuffer: pc.GetClientBuffer()})
			rt.Publishers.Add(srv)
			rt.runners = append(rt.runners, runner{name: pc.Name, run: srv.Start})
		case PublisherImage:
			img, err := render.NewImagePublisher(render.Config{
				Name:        pc.Name,
				Dir:         pc.GetDir(),
				MinInterval: pc.GetMinInterval(),
				FS:          opts.FS,
			})
			if err != nil {
				return fmt.Errorf("publisher %q: %w", pc.Name, err)
			}
			rt.Publishers.Add(img)
		}
	}
	// The first monitor also serves the archive's admin routes.
	if web != nil {
		for _, store := range stores {
			if err := web.AttachRoutes(store.AttachAdminRoutes); err != nil {
				return fmt.Errorf("publisher %q: %w", store.Name(), err)
			}
		}
	}

	for _, t := range cfg.Transforms {
		xyz, rpy := vec3(t.Translation), vec3(t.RPY)
		tr := geometry.FromRPY(rpy[0], rpy[1], rpy[2], r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]})
		if err := rt.Transforms.SetTransform(t.Parent, t.Child, time.Time{}, tr, true); err != nil {
			return fmt.Errorf("transform %s -> %s: %w", t.Parent, t.Child, err)
		}
	}

	for i := range cfg.Mappers {
		mc := &cfg.Mappers[i]
		mp, err := mapper.New(mc.Name, mc.Options(), mapper.Deps{
			Providers:  rt.Providers,
			Publishers: rt.Publishers,
			Transforms: rt.Transforms,
			Registry:   opts.Registry,
			Clock:      opts.Clock,
			FS:         opts.FS,
		})
		if err != nil {
			return err
		}
		if err := rt.Manager.Add(mp); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) addProvider(pc *ProviderConfig, opts BuildOptions) {
	switch pc.Type {
	case ProviderUDP:
		p := provider.NewUDPProvider(provider.UDPConfig{Name: pc.Name, Address: pc.GetAddress(), RcvBuf: pc.GetRcvBuf()})
		rt.Providers.Add(p)
		rt.runners = append(rt.runners, runner{name: pc.Name, run: p.Run})
	case ProviderPCAP:
		p := provider.NewPCAPProvider(provider.PCAPConfig{
			Name:            pc.Name,
			Path:            pc.GetPath(),
			UDPPort:         pc.GetUDPPort(),
			Realtime:        pc.GetRealtime(),
			SpeedMultiplier: pc.GetSpeed(),
			Clock:           opts.Clock,
		})
		rt.Providers.Add(p)
		rt.runners = append(rt.runners, runner{name: pc.Name, run: p.Run})
	case ProviderSerial:
		p := provider.NewSerialScanProvider(provider.SerialConfig{Name: pc.Name, Port: pc.GetPort(), BaudRate: pc.GetBaudRate()})
		rt.Providers.Add(p)
		rt.runners = append(rt.runners, runner{name: pc.Name, run: p.Run})
	case ProviderStatic:
		rt.Providers.Add(provider.NewStatic(pc.Name))
	}
}

// Run starts every mapper, then runs the providers and network publishers
// until ctx is cancelled or one of them fails. Mappers are stopped before
// Run returns.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.Manager.StartAll(); err != nil {
		return err
	}
	defer rt.Manager.StopAll()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range rt.runners {
		g.Go(func() error {
			if err := r.run(gctx); err != nil {
				return fmt.Errorf("%s: %w", r.name, err)
			}
			monitoring.Logf("[Runtime] %s finished", r.name)
			return nil
		})
	}
	// Providers that finish early (a pcap replay) must not end the process.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// Close releases resources opened by Build.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i].Close())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
