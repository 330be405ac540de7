package compat

import "testing"

func TestSchemaAnalyzer_Diff(t *testing.T) {
	cases := []struct {
		name     string
		from, to ShapeMap
		want     DiffKind
	}{
		{
			name: "identical",
			from: ShapeMap{"city": {Required: true, Type: "string"}},
			to:   ShapeMap{"city": {Required: true, Type: "string"}},
			want: DiffPatch,
		},
		{
			name: "added optional field is minor",
			from: ShapeMap{"city": {Required: true, Type: "string"}},
			to: ShapeMap{
				"city":  {Required: true, Type: "string"},
				"state": {Required: false, Type: "string"},
			},
			want: DiffMinor,
		},
		{
			name: "added required field is breaking",
			from: ShapeMap{"city": {Required: true, Type: "string"}},
			to: ShapeMap{
				"city":    {Required: true, Type: "string"},
				"country": {Required: true, Type: "string"},
			},
			want: DiffBreaking,
		},
		{
			name: "type change is breaking",
			from: ShapeMap{"seats": {Required: true, Type: "integer"}},
			to:   ShapeMap{"seats": {Required: true, Type: "string"}},
			want: DiffBreaking,
		},
		{
			name: "removed required field is breaking",
			from: ShapeMap{"city": {Required: true, Type: "string"}, "state": {Required: true, Type: "string"}},
			to:   ShapeMap{"city": {Required: true, Type: "string"}},
			want: DiffBreaking,
		},
		{
			name: "three optional additions is major",
			from: ShapeMap{},
			to: ShapeMap{
				"a": {Required: false, Type: "string"},
				"b": {Required: false, Type: "string"},
				"c": {Required: false, Type: "string"},
			},
			want: DiffMajor,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SchemaAnalyzer{}.Diff(tc.from, tc.to)
			if got.Kind != tc.want {
				t.Errorf("Diff kind = %s, want %s (%+v)", got.Kind, tc.want, got)
			}
		})
	}
}

func TestAdapterRegistry_DirectAndBFSChain(t *testing.T) {
	reg := NewAdapterRegistry()
	reg.Register("book_ride", "v1", "v2", func(p map[string]any) map[string]any {
		p["version"] = "v2"
		return p
	})
	reg.Register("book_ride", "v2", "v3", func(p map[string]any) map[string]any {
		p["version"] = "v3"
		return p
	})

	direct, err := reg.Resolve("book_ride", "v1", "v2")
	if err != nil {
		t.Fatalf("unexpected error resolving direct adapter: %v", err)
	}
	got := direct(map[string]any{})
	if got["version"] != "v2" {
		t.Errorf("expected direct adapter to set v2, got %v", got["version"])
	}

	chained, err := reg.Resolve("book_ride", "v1", "v3")
	if err != nil {
		t.Fatalf("unexpected error resolving chained adapter: %v", err)
	}
	got = chained(map[string]any{})
	if got["version"] != "v3" {
		t.Errorf("expected chained adapter to land on v3, got %v", got["version"])
	}

	if _, err := reg.Resolve("book_ride", "v1", "v9"); err == nil {
		t.Error("expected an error for an unreachable version")
	}
}

func TestGuard_CheckResume(t *testing.T) {
	reg := NewAdapterRegistry()
	reg.Register("book_ride", "v1", "v2", func(p map[string]any) map[string]any { return p })
	guard := NewGuard(reg)

	checkpointed := map[string]ToolVersionInfo{
		"book_ride": {Version: "v1", Schema: ShapeMap{"city": {Required: true, Type: "string"}}},
		"book_hotel": {Version: "v1", Schema: ShapeMap{
			"checkin": {Required: true, Type: "string"},
		}},
	}
	current := map[string]ToolVersionInfo{
		"book_ride": {Version: "v2", Schema: ShapeMap{
			"city":    {Required: true, Type: "string"},
			"surcharge": {Required: true, Type: "number"},
		}},
		"book_hotel": {Version: "v1", Schema: ShapeMap{
			"checkin": {Required: true, Type: "string"},
		}},
	}

	decisions := guard.CheckResume(checkpointed, current)
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}
	if AnyBlocked(decisions) {
		t.Errorf("expected no blocked decisions when an adapter resolves the breaking change, got %+v", decisions)
	}
	for _, d := range decisions {
		if d.Tool == "book_ride" && d.Adapter == nil {
			t.Errorf("expected book_ride to resolve an adapter for its breaking diff")
		}
	}
}

func TestGuard_CheckResume_BlocksWithoutAdapter(t *testing.T) {
	guard := NewGuard(NewAdapterRegistry())
	checkpointed := map[string]ToolVersionInfo{
		"book_ride": {Version: "v1", Schema: ShapeMap{"city": {Required: true, Type: "string"}}},
	}
	current := map[string]ToolVersionInfo{
		"book_ride": {Version: "v2", Schema: ShapeMap{
			"city":    {Required: true, Type: "string"},
			"country": {Required: true, Type: "string"},
		}},
	}

	decisions := guard.CheckResume(checkpointed, current)
	if !AnyBlocked(decisions) {
		t.Fatal("expected resume to be blocked with no registered adapter")
	}
	if err := BlockedError(decisions); err.Message == "" {
		t.Error("expected a descriptive blocked error")
	}
}
