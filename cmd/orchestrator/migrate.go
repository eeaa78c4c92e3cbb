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

package main

import (
	"fmt"
)

// MigrateCmd opens the configured SQL checkpoint store, which applies its
// schema as a side effect of construction (see internal/checkpoint.SQLStore's
// initSchema), and exits. There is nothing to migrate for the in-memory
// store, so that dialect is rejected rather than silently reporting success.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if cfg.Checkpoint.Dialect == "" || cfg.Checkpoint.Dialect == "memory" {
		return fmt.Errorf("migrate: checkpoint dialect %q has no schema to apply", cfg.Checkpoint.Dialect)
	}

	store, err := buildCheckpointStore(cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("checkpoint schema applied (%s)\n", cfg.Checkpoint.Dialect)
	return nil
}
