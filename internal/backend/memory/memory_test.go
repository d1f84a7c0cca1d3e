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

package memory

import (
	"context"
	"reflect"
	"testing"

	"github.com/tombee/flume/internal/backend"
	"github.com/tombee/flume/pkg/errors"
)

func TestCreateAndGetRun(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	run := &backend.Run{
		ID:      "run-1",
		Orgname: "acme",
		RunType: backend.TypeToolRun,
		Status:  backend.StatusQueued,
		ToolID:  "tool-1",
		Inputs:  []string{"c1", "c2"},
	}
	if err := b.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.CreatedAt.IsZero() {
		t.Error("CreatedAt not set on create")
	}

	got, err := b.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != backend.StatusQueued {
		t.Errorf("Status = %s, want QUEUED", got.Status)
	}
	if !reflect.DeepEqual(got.Inputs, []string{"c1", "c2"}) {
		t.Errorf("Inputs = %v, want [c1 c2]", got.Inputs)
	}

	// The returned run is a copy; mutating it must not leak back.
	got.Status = backend.StatusError
	got.Inputs[0] = "poisoned"
	again, _ := b.GetRun(ctx, "run-1")
	if again.Status != backend.StatusQueued || again.Inputs[0] != "c1" {
		t.Error("store state mutated through a returned copy")
	}
}

func TestCreateRunDuplicate(t *testing.T) {
	b := New()
	ctx := context.Background()

	run := &backend.Run{ID: "run-1", Orgname: "acme", RunType: backend.TypeToolRun, Status: backend.StatusQueued}
	if err := b.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := b.CreateRun(ctx, run); !errors.IsConflict(err) {
		t.Errorf("expected conflict on duplicate create, got %v", err)
	}
}

func TestCreateRunsAtomic(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.CreateRun(ctx, &backend.Run{
		ID: "dup", Orgname: "acme", RunType: backend.TypeToolRun, Status: backend.StatusQueued,
	}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// A batch containing an existing id must fail without persisting
	// any of the batch.
	batch := []*backend.Run{
		{ID: "parent", Orgname: "acme", RunType: backend.TypePipelineRun, Status: backend.StatusQueued},
		{ID: "dup", Orgname: "acme", RunType: backend.TypeToolRun, Status: backend.StatusQueued},
	}
	if err := b.CreateRuns(ctx, batch); !errors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := b.GetRun(ctx, "parent"); !errors.IsNotFound(err) {
		t.Error("partial batch persisted after failed CreateRuns")
	}

	// A clean batch lands whole.
	ok := []*backend.Run{
		{ID: "p", Orgname: "acme", RunType: backend.TypePipelineRun, Status: backend.StatusQueued},
		{ID: "c1", Orgname: "acme", RunType: backend.TypeToolRun, Status: backend.StatusQueued, PipelineRunID: "p"},
		{ID: "c2", Orgname: "acme", RunType: backend.TypeToolRun, Status: backend.StatusQueued, PipelineRunID: "p"},
	}
	if err := b.CreateRuns(ctx, ok); err != nil {
		t.Fatalf("CreateRuns: %v", err)
	}
	children, err := b.ListChildren(ctx, "p")
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 2 {
		t.Errorf("got %d children, want 2", len(children))
	}
}

func TestUpdateRun(t *testing.T) {
	b := New()
	ctx := context.Background()

	run := &backend.Run{ID: "run-1", Orgname: "acme", RunType: backend.TypeToolRun, Status: backend.StatusQueued}
	if err := b.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run.Status = backend.StatusProcessing
	run.Progress = 0.5
	if err := b.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, _ := b.GetRun(ctx, "run-1")
	if got.Status != backend.StatusProcessing || got.Progress != 0.5 {
		t.Errorf("got status=%s progress=%v, want PROCESSING 0.5", got.Status, got.Progress)
	}

	if err := b.UpdateRun(ctx, &backend.Run{ID: "ghost"}); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestAttachContent(t *testing.T) {
	b := New()
	ctx := context.Background()

	run := &backend.Run{ID: "run-1", Orgname: "acme", RunType: backend.TypeToolRun, Status: backend.StatusQueued}
	if err := b.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := b.AttachContent(ctx, "run-1", backend.KindInput, []string{"a", "b"}); err != nil {
		t.Fatalf("AttachContent: %v", err)
	}
	// Re-attaching an overlapping set is a no-op for the overlap.
	if err := b.AttachContent(ctx, "run-1", backend.KindInput, []string{"b", "c"}); err != nil {
		t.Fatalf("AttachContent: %v", err)
	}
	if err := b.AttachContent(ctx, "run-1", backend.KindOutput, []string{"out"}); err != nil {
		t.Fatalf("AttachContent: %v", err)
	}

	got, _ := b.GetRun(ctx, "run-1")
	if !reflect.DeepEqual(got.Inputs, []string{"a", "b", "c"}) {
		t.Errorf("Inputs = %v, want [a b c]", got.Inputs)
	}
	if !reflect.DeepEqual(got.Outputs, []string{"out"}) {
		t.Errorf("Outputs = %v, want [out]", got.Outputs)
	}

	if err := b.AttachContent(ctx, "ghost", backend.KindInput, []string{"x"}); !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := b.AttachContent(ctx, "run-1", "sideways", []string{"x"}); !errors.IsValidation(err) {
		t.Errorf("expected validation error for bad kind, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	b := New()
	ctx := context.Background()

	seed := []*backend.Run{
		{ID: "r1", Orgname: "acme", RunType: backend.TypeToolRun, Status: backend.StatusQueued, ToolID: "t1"},
		{ID: "r2", Orgname: "acme", RunType: backend.TypePipelineRun, Status: backend.StatusProcessing, PipelineID: "p1"},
		{ID: "r3", Orgname: "acme", RunType: backend.TypeToolRun, Status: backend.StatusComplete, ToolID: "t2", PipelineRunID: "r2"},
		{ID: "r4", Orgname: "rival", RunType: backend.TypeToolRun, Status: backend.StatusQueued, ToolID: "t1"},
	}
	for _, r := range seed {
		if err := b.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun(%s): %v", r.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter backend.RunFilter
		want   int
	}{
		{"by org", backend.RunFilter{Orgname: "acme"}, 3},
		{"by status", backend.RunFilter{Orgname: "acme", Status: backend.StatusQueued}, 1},
		{"by type", backend.RunFilter{Orgname: "acme", RunType: backend.TypePipelineRun}, 1},
		{"by tool", backend.RunFilter{ToolID: "t1"}, 2},
		{"by pipeline", backend.RunFilter{PipelineID: "p1"}, 1},
		{"top level only", backend.RunFilter{Orgname: "acme", TopLevelOnly: true}, 2},
		{"limit", backend.RunFilter{Orgname: "acme", Limit: 2}, 2},
		{"offset past end", backend.RunFilter{Orgname: "acme", Offset: 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d runs, want %d", len(got), tt.want)
			}
		})
	}
}

func TestDeleteRun(t *testing.T) {
	b := New()
	ctx := context.Background()

	if err := b.CreateRun(ctx, &backend.Run{
		ID: "run-1", Orgname: "acme", RunType: backend.TypeToolRun, Status: backend.StatusQueued,
	}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := b.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := b.GetRun(ctx, "run-1"); !errors.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := b.DeleteRun(ctx, "run-1"); !errors.IsNotFound(err) {
		t.Errorf("expected not found on double delete, got %v", err)
	}
}
