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

package controller

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	niov1alpha1 "github.com/homystack/nio/api/v1alpha1"
)

// CheckoutGC is a manager.Runnable that periodically sweeps Config.BaseDir
// for namespace/name directories that no longer correspond to a live
// NixosConfiguration. It is the sibling of workdir.GCPeer, which only
// cleans up superseded checkouts of a configuration still being
// reconciled; this runnable reclaims the rest.
type CheckoutGC struct {
	client.Client
	BaseDir  string
	Interval time.Duration
	MaxAge   time.Duration
}

var _ manager.Runnable = (*CheckoutGC)(nil)

// Start blocks until ctx is canceled, sweeping BaseDir every Interval.
func (g *CheckoutGC) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("checkout-gc")
	ticker := time.NewTicker(g.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.sweep(ctx); err != nil {
				logger.Error(err, "sweep failed")
			}
		}
	}
}

func (g *CheckoutGC) sweep(ctx context.Context) error {
	namespaces, err := os.ReadDir(g.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, nsEntry := range namespaces {
		if !nsEntry.IsDir() {
			continue
		}
		namespace := nsEntry.Name()
		nsPath := filepath.Join(g.BaseDir, namespace)

		names, err := os.ReadDir(nsPath)
		if err != nil {
			continue
		}
		for _, nameEntry := range names {
			if !nameEntry.IsDir() {
				continue
			}
			name := nameEntry.Name()

			cfgObj := &niov1alpha1.NixosConfiguration{}
			err := g.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, cfgObj)
			if err == nil {
				continue // still live, leave its checkouts to workdir.GCPeer
			}

			path := filepath.Join(nsPath, name)
			if g.olderThanMaxAge(path) {
				_ = os.RemoveAll(path)
			}
		}
	}
	return nil
}

func (g *CheckoutGC) olderThanMaxAge(path string) bool {
	if g.MaxAge <= 0 {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) >= g.MaxAge
}
