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
	"testing"

	"github.com/tombee/flume/pkg/errors"
	"github.com/tombee/flume/pkg/tool"
)

func TestDefault(t *testing.T) {
	tools := []*tool.Tool{
		{ID: "t1", ToolBase: tool.BaseExtractText},
		{ID: "t2", ToolBase: tool.BaseSummarize},
		{ID: "t3", ToolBase: tool.BaseCreateEmbeddings},
		{ID: "t4", ToolBase: tool.BaseTextToImage},
		{ID: "t5", ToolBase: tool.BaseTextToSpeech},
	}

	p, err := Default("acme", tools)
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if p.Name != DefaultName {
		t.Errorf("Name = %q, want %q", p.Name, DefaultName)
	}
	if len(p.Steps) != len(tools) {
		t.Fatalf("got %d steps, want %d", len(p.Steps), len(tools))
	}

	root := p.StepByName(tool.BaseExtractText)
	if root == nil {
		t.Fatal("extract-text root step missing")
	}
	if !root.IsRoot() {
		t.Error("extract-text step should have no predecessors")
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == root.ID {
			continue
		}
		if len(step.DependsOn) != 1 || step.DependsOn[0] != root.ID {
			t.Errorf("step %s DependsOn = %v, want [%s]", step.Name, step.DependsOn, root.ID)
		}
	}

	// The result must pass the same validation as a client submission.
	if err := ValidateSteps(p.Steps); err != nil {
		t.Errorf("default pipeline fails validation: %v", err)
	}
}

func TestDefaultRequiresExtractText(t *testing.T) {
	tools := []*tool.Tool{
		{ID: "t2", ToolBase: tool.BaseSummarize},
	}
	_, err := Default("acme", tools)
	if !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}
