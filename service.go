package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/control"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/policy"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/version"
)

// service 持有一次进程运行所需的全部组件。
type service struct {
	app        *fiber.App
	registry   cache.Registry
	engine     *policy.Engine
	manager    *lifecycle.Manager
	dispatcher *control.Dispatcher

	stopControl context.CancelFunc
	controlDone chan struct{}
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*service, error) {
	registry, err := cache.OpenRegistry(cfg.Global.StoreBackend, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	rt, err := assemble(ctx, cfg, registry, logger)
	if err != nil {
		_ = registry.Close()
		return nil, err
	}
	return rt, nil
}

func assemble(ctx context.Context, cfg *config.Config, registry cache.Registry, logger *logrus.Logger) (*service, error) {
	origin, err := server.NewOriginRoute(cfg)
	if err != nil {
		return nil, err
	}
	classifier, err := server.NewClassifier(cfg, origin)
	if err != nil {
		return nil, err
	}
	fetcher := proxy.NewUpstreamFetcher(server.NewUpstreamClient(cfg))
	naming := cache.Naming{
		Prefix:  cfg.Global.AppPrefix,
		Version: cfg.EffectiveVersion(version.Version),
	}

	manager, err := lifecycle.NewManager(lifecycle.Options{
		Registry:          registry,
		Naming:            naming,
		Fetcher:           fetcher,
		Base:              origin.UpstreamURL,
		StaticAssets:      cfg.Manifest.StaticAssets,
		ExternalResources: cfg.Manifest.ExternalResources,
		SkipWaiting:       cfg.Global.SkipWaiting,
		Concurrency:       cfg.Global.InstallConcurrency,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(policy.Options{
		Registry: registry,
		Naming:   naming,
		Selector: manager,
		Fetcher:  fetcher,
		Logger:   logger,
		Pages: policy.Pages{
			Base:          origin.UpstreamURL,
			RootPage:      cfg.Origin.RootPage,
			ListingPage:   cfg.Origin.ListingPage,
			NotFoundPage:  cfg.Origin.NotFoundPage,
			DocumentLabel: cfg.Origin.DocumentLabel,
		},
	})
	if err != nil {
		return nil, err
	}

	// 安装失败不退出：生命周期停在 Redundant，由上一份完整缓存继续服务，没有缓存时透传。
	if err := manager.Start(ctx); err != nil {
		fields := logging.LifecycleFields("start", naming.Version, string(manager.State()))
		if serving, ok := manager.Serving(); ok {
			fields["serving"] = serving.Version
			logger.WithFields(fields).WithError(err).Error("生命周期启动失败，沿用已有缓存")
		} else {
			logger.WithFields(fields).WithError(err).Error("生命周期启动失败，请求将直接透传")
		}
	}

	dispatcher := control.NewDispatcher(registry, manager, logger)
	controlCtx, stopControl := context.WithCancel(context.Background())
	controlDone := make(chan struct{})
	go func() {
		defer close(controlDone)
		dispatcher.Serve(controlCtx)
	}()

	handler := proxy.NewHandler(classifier, engine, fetcher, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Origin:     origin,
		Proxy:      proxy.NewForwarder(handler, handler.Bypass(), manager, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		stopControl()
		<-controlDone
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, manager, naming)
	routes.RegisterControlRoutes(app, dispatcher)

	return &service{
		app:         app,
		registry:    registry,
		engine:      engine,
		manager:     manager,
		dispatcher:  dispatcher,
		stopControl: stopControl,
		controlDone: controlDone,
	}, nil
}

// Close 按依赖逆序释放资源。
func (s *service) Close(ctx context.Context) error {
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	s.stopControl()
	<-s.controlDone
	s.engine.Wait()
	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
