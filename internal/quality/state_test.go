package quality

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		in      string
		want    Request
		wantErr bool
	}{
		{"auto", Auto(), false},
		{"AUTO", Auto(), false},
		{"", Auto(), false},
		{"0", Manual(0), false},
		{" 3 ", Manual(3), false},
		{"-1", Request{}, true},
		{"high", Request{}, true},
	}
	for _, tt := range tests {
		got, err := ParseRequest(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRequest(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRequest(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestState_Converged(t *testing.T) {
	s := State{Mode: Manual(2)}
	if s.Converged() {
		t.Error("manual with no resolved index reported converged")
	}
	if s.WithResolved(1).Converged() {
		t.Error("manual(2) resolved=1 reported converged")
	}
	if !s.WithResolved(2).Converged() {
		t.Error("manual(2) resolved=2 not converged")
	}
	if !(State{Mode: Auto()}).Converged() {
		t.Error("auto not converged")
	}
}

func TestState_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		s    State
		want string
	}{
		{"auto unresolved", State{Mode: Auto()}, `{"mode":"auto","resolved":null}`},
		{"auto resolved", State{Mode: Auto()}.WithResolved(1), `{"mode":"auto","resolved":1}`},
		{"manual", State{Mode: Manual(0)}.WithResolved(0), `{"mode":"manual","index":0,"resolved":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.s)
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != tt.want {
				t.Errorf("got %s, want %s", b, tt.want)
			}
		})
	}
}

func TestState_UnmarshalJSON(t *testing.T) {
	for _, s := range []State{
		{Mode: Auto()},
		State{Mode: Auto()}.WithResolved(1),
		State{Mode: Manual(0)}.WithResolved(0),
		State{Mode: Manual(2)}.WithResolved(1),
	} {
		b, err := json.Marshal(s)
		if err != nil {
			t.Fatal(err)
		}
		var got State
		if err := json.Unmarshal(b, &got); err != nil {
			t.Errorf("Unmarshal(%s): %v", b, err)
			continue
		}
		if diff := cmp.Diff(s, got); diff != "" {
			t.Errorf("round trip of %s (-want +got):\n%s", b, diff)
		}
	}

	for _, in := range []string{`{"mode":"manual"}`, `{"mode":"fast"}`, `{"mode":3}`} {
		var got State
		if err := json.Unmarshal([]byte(in), &got); err == nil {
			t.Errorf("Unmarshal(%s) accepted: %+v", in, got)
		}
	}
}

func TestRequest_String(t *testing.T) {
	if got := Manual(4).String(); got != "manual(4)" {
		t.Errorf("Manual(4).String() = %q", got)
	}
	if got := Auto().String(); got != "auto" {
		t.Errorf("Auto().String() = %q", got)
	}
}
