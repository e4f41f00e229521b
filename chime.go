// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chime holds constants shared across the whole codebase.
package chime

import "strings"

// Version is the semantic version of the chime release. It is set at build
// time via -ldflags for release builds and left at the development default
// otherwise.
var Version = "1.0.0-dev"

const (
	// ComponentKey is the log field name under which the emitting component
	// is reported.
	ComponentKey = "component"

	// ComponentScheduler is the periodic claimer that moves due occurrences
	// into the execution queue.
	ComponentScheduler = "scheduler"

	// ComponentExecutor is the queue consumer that delivers occurrences to
	// the configured sink.
	ComponentExecutor = "executor"

	// ComponentRecovery is the scanner that finds missed and stalled
	// occurrences.
	ComponentRecovery = "recovery"

	// ComponentCoordinator reacts to user-context notifications.
	ComponentCoordinator = "coordinator"

	// ComponentStore is the occurrence storage layer.
	ComponentStore = "store"

	// ComponentQueue is the execution queue transport.
	ComponentQueue = "queue"

	// ComponentSink is the outbound delivery transport.
	ComponentSink = "sink"

	// ComponentBus is the in-process notification bus.
	ComponentBus = "bus"

	// ComponentService is the top-level process supervisor.
	ComponentService = "service"
)

// MetricNamespace defines the prometheus namespace all chime metrics are
// reported under.
const MetricNamespace = "chime"

// Component generates a colon-separated component name from parts, e.g.
// Component("executor", "webhook") returns "executor:webhook".
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}
