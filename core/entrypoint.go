package core

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"reflect"
	"syscall"
	"time"

	"github.com/LingshijunRenzy/ICS-guard/perf"
	"github.com/LingshijunRenzy/ICS-guard/state"
	"github.com/encodeous/tint"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"
)

func readCentralConfig(centralPath string) (*state.CentralCfg, error) {
	var cfg state.CentralCfg
	file, err := os.ReadFile(centralPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readNodeConfig(nodePath string) (*state.LocalCfg, error) {
	var cfg state.LocalCfg
	file, err := os.ReadFile(nodePath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Bootstrap loads and validates configuration, then runs the controller
// until it is signalled to stop.
func Bootstrap(centralPath, nodePath string, verbose bool) error {
	centralCfg, err := readCentralConfig(centralPath)
	if err != nil {
		return err
	}
	nodeCfg, err := readNodeConfig(nodePath)
	if err != nil {
		return err
	}
	if err := state.CentralConfigValidator(centralCfg); err != nil {
		return err
	}
	if err := state.NodeConfigValidator(nodeCfg); err != nil {
		return err
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return Start(*centralCfg, *nodeCfg, level, nil)
}

func buildLogger(ncfg state.LocalCfg, logLevel slog.Level) (*slog.Logger, error) {
	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			TimeFormat:   "15:04:05",
			CustomPrefix: ncfg.Id,
		}),
	}
	if ncfg.LogPath != "" {
		if err := os.MkdirAll(path.Dir(ncfg.LogPath), 0700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(ncfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}
	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// Start runs the controller core until its context is cancelled. If initCtl
// is non-nil it receives the inbound facade before the loop starts; the
// protocol and management layers feed events through it.
func Start(ccfg state.CentralCfg, ncfg state.LocalCfg, logLevel slog.Level, initCtl **Controller) error {
	ctx, cancel := context.WithCancelCause(context.Background())

	dispatch := make(chan func(s *state.State) error, 128)

	logger, err := buildLogger(ncfg, logLevel)
	if err != nil {
		cancel(err)
		return err
	}

	ncfg.ApplyTunables()

	s := state.State{
		Modules: make(map[string]state.Module),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			CentralCfg:      ccfg,
			LocalCfg:        ncfg,
			Log:             logger,
			Bus:             state.NewHub(),
		},
	}

	if initCtl != nil {
		*initCtl = &Controller{s: &s}
	}

	s.Log.Info("init modules")
	if err := initModules(&s); err != nil {
		cancel(err)
		return err
	}
	s.Log.Info("controller core initialized")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()

	return MainLoop(&s, dispatch)
}

func initModules(s *state.State) error {
	modules := []state.Module{
		&TopologyManager{},
		&FloodEngine{},
		&PathEngine{},
		&FlowTracker{},
		&PolicyEngine{},
		&Pipeline{},
		&StatsMonitor{},
		&Sessions{},
	}
	for _, module := range modules {
		name := reflect.TypeOf(module).String()
		s.Modules[name] = module
		// cleanup runs in reverse init order so per-switch workers drain
		// before graph state is released
		s.ModuleOrder = append(s.ModuleOrder, name)
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a registered module by type.
func Get[T state.Module](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*20 {
				s.Log.Warn("dispatch took a long time!", "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return nil
}

// Stop drains in-flight work and releases module state. Safe to call once
// from the loop goroutine.
func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	s.Log.Info("cleaning up modules")
	for i := len(s.ModuleOrder) - 1; i >= 0; i-- {
		name := s.ModuleOrder[i]
		if err := s.Modules[name].Cleanup(s); err != nil {
			s.Log.Error("error occurred during cleanup", "module", name, "error", err)
		}
	}
	s.Log.Info("stopped")
}
