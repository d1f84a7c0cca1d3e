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

package pipeline

import (
	"context"
	"reflect"
	"testing"

	"github.com/tombee/flume/pkg/errors"
)

func TestMemoryStoreCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns id, timestamps, and derived edges", func(t *testing.T) {
		store := NewMemoryStore()
		created, err := store.Create(ctx, &Pipeline{
			Orgname: "acme",
			Name:    "ingest",
			Steps:   diamondSteps(),
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if created.ID == "" {
			t.Error("expected a generated pipeline id")
		}
		if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
			t.Error("expected timestamps to be set")
		}

		// Dependent edges are derived from DependsOn on write.
		root := created.StepByID("a")
		if root == nil {
			t.Fatal("root step missing")
		}
		if root.PipelineID != created.ID {
			t.Errorf("root PipelineID = %q, want %q", root.PipelineID, created.ID)
		}
		if !reflect.DeepEqual(root.Dependents, []string{"b", "c"}) {
			t.Errorf("root Dependents = %v, want [b c]", root.Dependents)
		}
	})

	t.Run("rejects invalid step set", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Create(ctx, &Pipeline{Orgname: "acme", Name: "bad"})
		if !errors.IsValidation(err) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("rejects missing orgname", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.Create(ctx, &Pipeline{Name: "x", Steps: diamondSteps()})
		if !errors.IsValidation(err) {
			t.Errorf("expected validation error, got %v", err)
		}
	})
}

func TestMemoryStoreGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.Create(ctx, &Pipeline{
		Orgname: "acme",
		Name:    "ingest",
		Steps:   diamondSteps(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	t.Run("round trip preserves inverse-edge consistency", func(t *testing.T) {
		got, err := store.Get(ctx, "acme", created.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		// Every DependsOn edge must appear in the predecessor's
		// Dependents, and vice versa.
		for i := range got.Steps {
			step := &got.Steps[i]
			for _, dep := range step.DependsOn {
				pred := got.StepByID(dep)
				if pred == nil {
					t.Fatalf("step %s depends on missing step %s", step.ID, dep)
				}
				if !contains(pred.Dependents, step.ID) {
					t.Errorf("step %s missing from %s.Dependents", step.ID, dep)
				}
			}
			for _, dep := range step.Dependents {
				succ := got.StepByID(dep)
				if succ == nil {
					t.Fatalf("step %s lists missing dependent %s", step.ID, dep)
				}
				if !contains(succ.DependsOn, step.ID) {
					t.Errorf("step %s missing from %s.DependsOn", step.ID, dep)
				}
			}
		}
	})

	t.Run("cross-org access is not found", func(t *testing.T) {
		_, err := store.Get(ctx, "rival", created.ID)
		if !errors.IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("returned copy is isolated", func(t *testing.T) {
		got, err := store.Get(ctx, "acme", created.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		got.Name = "mutated"
		got.Steps[0].DependsOn = []string{"bogus"}

		again, err := store.Get(ctx, "acme", created.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if again.Name != "ingest" {
			t.Errorf("store copy mutated: name = %q", again.Name)
		}
		if len(again.Steps[0].DependsOn) != 0 {
			t.Errorf("store copy mutated: root DependsOn = %v", again.Steps[0].DependsOn)
		}
	})
}

func TestMemoryStoreReplaceSteps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.Create(ctx, &Pipeline{
		Orgname: "acme",
		Name:    "ingest",
		Steps:   diamondSteps(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	t.Run("replaces the whole step set", func(t *testing.T) {
		replacement := []Step{
			{ID: "x", Name: "extract", ToolID: "t1"},
			{ID: "y", Name: "speak", ToolID: "t4", DependsOn: []string{"x"}},
		}
		updated, err := store.ReplaceSteps(ctx, "acme", created.ID, replacement)
		if err != nil {
			t.Fatalf("ReplaceSteps: %v", err)
		}
		if len(updated.Steps) != 2 {
			t.Fatalf("got %d steps, want 2", len(updated.Steps))
		}
		if updated.StepByID("a") != nil {
			t.Error("old step survived replacement")
		}
		if !updated.UpdatedAt.After(created.UpdatedAt) {
			t.Error("UpdatedAt not bumped")
		}

		// Old step ids are no longer resolvable; runs that captured
		// them keep the id as a historical reference only.
		if _, err := store.GetStep(ctx, "acme", "a"); !errors.IsNotFound(err) {
			t.Errorf("expected old step lookup to fail, got %v", err)
		}
		if _, err := store.GetStep(ctx, "acme", "y"); err != nil {
			t.Errorf("GetStep(y): %v", err)
		}
	})

	t.Run("invalid replacement leaves pipeline untouched", func(t *testing.T) {
		_, err := store.ReplaceSteps(ctx, "acme", created.ID, []Step{
			{ID: "z", Name: "loop", ToolID: "t1", DependsOn: []string{"z"}},
		})
		if !errors.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
		got, err := store.Get(ctx, "acme", created.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got.Steps) != 2 {
			t.Errorf("step set changed after failed replacement: %d steps", len(got.Steps))
		}
	})

	t.Run("unknown pipeline", func(t *testing.T) {
		_, err := store.ReplaceSteps(ctx, "acme", "nope", diamondSteps())
		if !errors.IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.Create(ctx, &Pipeline{
		Orgname: "acme",
		Name:    "ingest",
		Steps:   diamondSteps(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Delete(ctx, "acme", created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "acme", created.ID); !errors.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if _, err := store.GetStep(ctx, "acme", "a"); !errors.IsNotFound(err) {
		t.Errorf("expected step lookup to fail after delete, got %v", err)
	}
	if err := store.Delete(ctx, "acme", created.ID); !errors.IsNotFound(err) {
		t.Errorf("expected not found on double delete, got %v", err)
	}
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	specs := []struct{ org, step string }{
		{"acme", "s1"},
		{"acme", "s2"},
		{"rival", "s3"},
	}
	for _, sp := range specs {
		if _, err := store.Create(ctx, &Pipeline{
			Orgname: sp.org,
			Name:    "p-" + sp.step,
			Steps:   []Step{{ID: sp.step, Name: "only", ToolID: "t1"}},
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	acme, err := store.List(ctx, "acme")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(acme) != 2 {
		t.Errorf("List(acme) = %d pipelines, want 2", len(acme))
	}
	rival, err := store.List(ctx, "rival")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rival) != 1 {
		t.Errorf("List(rival) = %d pipelines, want 1", len(rival))
	}
	if none, _ := store.List(ctx, "ghost"); len(none) != 0 {
		t.Errorf("List(ghost) = %d pipelines, want 0", len(none))
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
