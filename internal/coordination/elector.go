// Copyright 2025 Amicable
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package coordination arbitrates which orchestrator replica runs
// RecoverOnStartup (spec §4.1/§4.13) when more than one replica shares a
// checkpoint store. A single-replica deployment never needs this package:
// config.Coordination.Backend defaults to "none", and NopElector runs
// recovery unconditionally.
package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Elector runs fn only on whichever process wins the election, within a
// bounded acquire window. Losers return nil without running fn.
type Elector interface {
	RunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error
	Close() error
}

// NopElector always wins — the correct behavior for a single-replica
// deployment (spec: "a single-replica deployment runs recovery
// unconditionally").
type NopElector struct{}

func (NopElector) RunExclusive(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (NopElector) Close() error { return nil }

// New builds the configured Elector. backend is one of "none", "etcd", or
// "consul"; any other value is an error so a misconfigured deployment
// fails at startup rather than silently skipping recovery coordination.
func New(backend string, endpoints []string, logger *slog.Logger) (Elector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch backend {
	case "", "none":
		return NopElector{}, nil
	case "etcd":
		return newEtcdElector(endpoints, logger)
	case "consul":
		return newConsulElector(endpoints, logger)
	default:
		return nil, fmt.Errorf("coordination: unknown backend %q", backend)
	}
}

// etcdElector acquires a session-scoped mutex per key via
// go.etcd.io/etcd/client/v3/concurrency, so that if the holder crashes the
// lock is released once its lease expires rather than wedging recovery
// forever on a dead replica.
type etcdElector struct {
	client *clientv3.Client
	logger *slog.Logger
}

func newEtcdElector(endpoints []string, logger *slog.Logger) (*etcdElector, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("coordination: etcd client: %w", err)
	}
	return &etcdElector{client: cli, logger: logger}, nil
}

func (e *etcdElector) RunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(30))
	if err != nil {
		return fmt.Errorf("coordination: etcd session: %w", err)
	}
	defer session.Close()

	mu := concurrency.NewMutex(session, "/orchestrator/coordination/"+key)
	if err := mu.Lock(ctx); err != nil {
		return fmt.Errorf("coordination: etcd lock %q: %w", key, err)
	}
	defer func() {
		if err := mu.Unlock(context.Background()); err != nil {
			e.logger.Warn("coordination: etcd unlock failed", "key", key, "error", err)
		}
	}()

	e.logger.Info("coordination: acquired etcd lock, running exclusive section", "key", key)
	return fn(ctx)
}

func (e *etcdElector) Close() error { return e.client.Close() }

// consulElector acquires a Consul session-backed KV lock, the HashiCorp
// analogue of etcd's lease-bound mutex — used when the deployment already
// runs Consul for config (C10) rather than standing up etcd as well.
type consulElector struct {
	client *consulapi.Client
	logger *slog.Logger
}

func newConsulElector(endpoints []string, logger *slog.Logger) (*consulElector, error) {
	cfg := consulapi.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("coordination: consul client: %w", err)
	}
	return &consulElector{client: cli, logger: logger}, nil
}

func (e *consulElector) RunExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	sessionID, _, err := e.client.Session().Create(&consulapi.SessionEntry{
		Name:     "orchestrator-coordination-" + key,
		TTL:      "30s",
		Behavior: consulapi.SessionBehaviorRelease,
	}, nil)
	if err != nil {
		return fmt.Errorf("coordination: consul session: %w", err)
	}
	defer e.client.Session().Destroy(sessionID, nil)

	lockKey := "orchestrator/coordination/" + key
	lock, err := e.client.LockOpts(&consulapi.LockOptions{
		Key:     lockKey,
		Session: sessionID,
	})
	if err != nil {
		return fmt.Errorf("coordination: consul lock opts: %w", err)
	}

	stopCh := ctx.Done()
	leaderCh, err := lock.Lock(stopCh)
	if err != nil {
		return fmt.Errorf("coordination: consul lock %q: %w", key, err)
	}
	if leaderCh == nil {
		return fmt.Errorf("coordination: consul lock %q: context canceled before acquisition", key)
	}
	defer lock.Unlock()

	e.logger.Info("coordination: acquired consul lock, running exclusive section", "key", key)
	return fn(ctx)
}

func (e *consulElector) Close() error { return nil }
