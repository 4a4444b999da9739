/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command manager runs the nio controller: it watches Machine and
// NixosConfiguration resources and reconciles a fleet of NixOS hosts
// against them over SSH.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	niov1alpha1 "github.com/homystack/nio/api/v1alpha1"
	"github.com/homystack/nio/internal/config"
	"github.com/homystack/nio/internal/controller"
	"github.com/homystack/nio/internal/knownhosts"
)

var scheme = runtime.NewScheme()

func init() {
	_ = clientgoscheme.AddToScheme(scheme)
	_ = corev1.AddToScheme(scheme)
	_ = niov1alpha1.AddToScheme(scheme)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.TimeKey = "ts"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapLog, err := zapConfig.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer zapLog.Sync()

	logger := zapr.NewLogger(zapLog)
	ctrl.SetLogger(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger.Info("starting nio manager", "config", cfg.Summary())

	store, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return fmt.Errorf("initializing known_hosts store: %w", err)
	}

	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("loading kubeconfig: %w", err)
	}

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: fmt.Sprintf(":%d", cfg.MetricsPort),
		},
		HealthProbeBindAddress: fmt.Sprintf(":%d", cfg.HealthPort),
	})
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("adding healthz check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("adding readyz check: %w", err)
	}

	machineReconciler := &controller.MachineReconciler{
		Client:     mgr.GetClient(),
		Scheme:     mgr.GetScheme(),
		Config:     &cfg,
		KnownHosts: store,
	}
	if err := machineReconciler.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("setting up machine controller: %w", err)
	}

	nixosReconciler := &controller.NixosConfigurationReconciler{
		Client:     mgr.GetClient(),
		Scheme:     mgr.GetScheme(),
		Config:     &cfg,
		KnownHosts: store,
	}
	if err := nixosReconciler.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("setting up nixosconfiguration controller: %w", err)
	}

	gc := &controller.CheckoutGC{
		Client:   mgr.GetClient(),
		BaseDir:  cfg.BaseDir,
		Interval: cfg.GCInterval,
		MaxAge:   cfg.GCMaxAge,
	}
	if err := mgr.Add(gc); err != nil {
		return fmt.Errorf("registering checkout GC: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("manager starting")
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("running manager: %w", err)
	}
	return nil
}
