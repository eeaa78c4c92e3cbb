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
	"context"
	"fmt"

	"github.com/amicable/orchestrator/internal/controller"
)

// RecoverCmd runs startup checkpoint recovery once, outside of serve's own
// lifecycle, and exits — useful for a one-off operator check ("what would
// a restart find mid-run right now?") without restarting the service.
type RecoverCmd struct{}

func (c *RecoverCmd) Run(cli *CLI) error {
	a, err := newApp(cli.Config, cli.Kubeconfig, false)
	if err != nil {
		return err
	}
	defer a.close()

	recovered, err := controller.RecoverOnStartup(context.Background(), a.store, a.logger)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	if len(recovered) == 0 {
		fmt.Println("no incomplete runs found")
		return nil
	}
	fmt.Printf("%d incomplete run(s):\n", len(recovered))
	for _, r := range recovered {
		fmt.Printf("  thread=%s phase=%s attempt=%d\n", r.ThreadID, r.Phase, r.State.Attempt)
	}
	return nil
}
