// Copyright 2025 Tom Barlow
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

// Package notify broadcasts run mutations to interested subscribers.
//
// Notification is fire-and-forget: a failed or slow delivery never
// fails the mutation that triggered it.
package notify

import (
	"context"
)

// Change describes one mutation event. QueryKey tells subscribers
// which cached query to refetch.
type Change struct {
	QueryKey []string `json:"queryKey"`
}

// RunsQueryKey is the refetch key for an organization's run list.
func RunsQueryKey(orgname string) []string {
	return []string{"organizations", orgname, "runs"}
}

// Notifier publishes change events scoped to an organization.
type Notifier interface {
	// Publish delivers a change to the organization's subscribers.
	// Implementations log and swallow delivery failures.
	Publish(ctx context.Context, orgname string, change Change)
}

// Nop is a Notifier that discards every change.
type Nop struct{}

// Publish discards the change.
func (Nop) Publish(ctx context.Context, orgname string, change Change) {}
