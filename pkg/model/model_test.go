package model

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeGroupMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		field   string
		index   int
		wantErr bool
	}{
		{
			name:  "valid",
			input: `{"type":"create_graph","group_id":"g1","alerts":[{"id":"root","parent_id":"","service":"s1","summary":"A"}]}`,
		},
		{
			name:  "empty alerts",
			input: `{"group_id":"g1","alerts":[]}`,
		},
		{
			name:    "missing group_id",
			input:   `{"alerts":[]}`,
			field:   "group_id",
			index:   -1,
			wantErr: true,
		},
		{
			name:    "empty group_id",
			input:   `{"group_id":"","alerts":[]}`,
			field:   "group_id",
			index:   -1,
			wantErr: true,
		},
		{
			name:    "missing alerts",
			input:   `{"group_id":"g1"}`,
			field:   "alerts",
			index:   -1,
			wantErr: true,
		},
		{
			name:    "null alerts",
			input:   `{"group_id":"g1","alerts":null}`,
			field:   "alerts",
			index:   -1,
			wantErr: true,
		},
		{
			name:    "alert without id",
			input:   `{"group_id":"g1","alerts":[{"id":"a"},{"service":"s"}]}`,
			field:   "id",
			index:   1,
			wantErr: true,
		},
		{
			name:    "not an object",
			input:   `[1,2,3]`,
			field:   "message",
			index:   -1,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeGroupMessage([]byte(tt.input))
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if msg.GroupID != "g1" {
					t.Errorf("GroupID = %q, want g1", msg.GroupID)
				}
				return
			}

			if err == nil {
				t.Fatal("expected an error")
			}
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("error %v does not wrap ErrInvalidMessage", err)
			}
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("error %T is not a *ProtocolError", err)
			}
			if perr.Field != tt.field || perr.Index != tt.index {
				t.Errorf("got field=%q index=%d, want field=%q index=%d", perr.Field, perr.Index, tt.field, tt.index)
			}
		})
	}
}

func TestGraphCloneIsDeep(t *testing.T) {
	parent := "root"
	g := NewGraph(time.Unix(100, 0))
	g.AddNode(&Node{ID: "c1", ParentID: &parent, IsNew: true})
	g.AddEdge(&Edge{Source: "root", Target: "c1", IsNew: true})

	cp := g.Clone()
	cp.Nodes[0].IsNew = false
	*cp.Nodes[0].ParentID = "other"
	cp.Edges[0].IsNew = false

	if !g.Nodes[0].IsNew || !g.Edges[0].IsNew {
		t.Error("mutating the clone changed the original flags")
	}
	if *g.Nodes[0].ParentID != "root" {
		t.Errorf("original ParentID changed to %q", *g.Nodes[0].ParentID)
	}
}

func TestClearNewAndSummary(t *testing.T) {
	g := NewGraph(time.Unix(100, 0))
	g.AddNode(&Node{ID: "root", IsRoot: true, IsNew: true})
	g.AddNode(&Node{ID: "c1", IsNew: true})
	g.AddEdge(&Edge{Source: "root", Target: "c1", IsNew: true})

	s := g.Summary("g1")
	if s.NodeCount != 2 || s.EdgeCount != 1 || s.RootCount != 1 || s.NewCount != 3 {
		t.Errorf("unexpected summary %+v", s)
	}

	if cleared := g.ClearNew(); cleared != 3 {
		t.Errorf("ClearNew() = %d, want 3", cleared)
	}
	if cleared := g.ClearNew(); cleared != 0 {
		t.Errorf("second ClearNew() = %d, want 0", cleared)
	}
	if g.Summary("g1").NewCount != 0 {
		t.Error("NewCount should be 0 after ClearNew")
	}
}
