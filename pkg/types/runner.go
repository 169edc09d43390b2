/*
Copyright © 2024 - 2026 the multibootd authors

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

package types

import (
	"context"
	"os/exec"
)

// RealRunner shells out with os/exec; it is the default production
// implementation of Runner.
type RealRunner struct{}

func NewRunner() *RealRunner { return &RealRunner{} }

func (r *RealRunner) Run(command string, args ...string) ([]byte, error) {
	return exec.Command(command, args...).CombinedOutput()
}

func (r *RealRunner) RunContext(ctx Context, command string, args ...string) ([]byte, error) {
	c, ok := ctx.(context.Context)
	if !ok {
		c = context.Background()
	}
	return exec.CommandContext(c, command, args...).CombinedOutput()
}
