package quality

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Mode is the user's quality intent.
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
)

// String returns "auto" or "manual".
func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "auto"
}

// Request is either Auto or Manual(Index).
type Request struct {
	Mode  Mode
	Index int
}

// Auto returns an automatic-adaptation request.
func Auto() Request { return Request{Mode: ModeAuto} }

// Manual returns a request pinning index.
func Manual(index int) Request { return Request{Mode: ModeManual, Index: index} }

// String formats the request as "auto" or "manual(N)".
func (r Request) String() string {
	if r.Mode == ModeManual {
		return fmt.Sprintf("manual(%d)", r.Index)
	}
	return "auto"
}

// ParseRequest accepts "auto" or a non-negative integer index.
func ParseRequest(s string) (Request, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "auto" {
		return Auto(), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return Request{}, fmt.Errorf("invalid quality %q: want \"auto\" or a non-negative index", s)
	}
	return Manual(n), nil
}

// State pairs user intent with what the engine reports it is using.
type State struct {
	Mode     Request
	Resolved *int
}

// ResolvedIndex returns the resolved index and whether one is known.
func (s State) ResolvedIndex() (int, bool) {
	if s.Resolved == nil {
		return 0, false
	}
	return *s.Resolved, true
}

// Converged reports whether a manual pin has taken effect. Auto is always
// converged.
func (s State) Converged() bool {
	if s.Mode.Mode == ModeAuto {
		return true
	}
	r, ok := s.ResolvedIndex()
	return ok && r == s.Mode.Index
}

// WithResolved returns a copy of s with the resolved index set.
func (s State) WithResolved(index int) State {
	s.Resolved = &index
	return s
}

type stateJSON struct {
	Mode     string `json:"mode"`
	Index    *int   `json:"index,omitempty"`
	Resolved *int   `json:"resolved"`
}

// MarshalJSON renders {"mode":"manual","index":2,"resolved":2}.
func (s State) MarshalJSON() ([]byte, error) {
	out := stateJSON{Mode: s.Mode.Mode.String(), Resolved: s.Resolved}
	if s.Mode.Mode == ModeManual {
		idx := s.Mode.Index
		out.Index = &idx
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the MarshalJSON form. Manual mode requires an index.
func (s *State) UnmarshalJSON(data []byte) error {
	var in stateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out := State{Resolved: in.Resolved}
	switch in.Mode {
	case "", "auto":
		out.Mode = Auto()
	case "manual":
		if in.Index == nil {
			return fmt.Errorf("quality: manual mode without index")
		}
		out.Mode = Manual(*in.Index)
	default:
		return fmt.Errorf("quality: unknown mode %q", in.Mode)
	}
	*s = out
	return nil
}
