package transcript

import (
	"strings"
	"testing"

	"github.com/hyperjump/kioku/internal/models"
)

const sampleTranscript = `{"type":"summary","summary":"Fix sqlite lock"}
{"type":"user","uuid":"u1","sessionId":"s1","timestamp":"2025-03-01T10:00:00Z","cwd":"/home/dev/kioku","message":{"role":"user","content":"The build fails with a locked database"}}
{"type":"assistant","uuid":"a1","sessionId":"s1","timestamp":"2025-03-01T10:00:05Z","cwd":"/home/dev/kioku","message":{"role":"assistant","content":[{"type":"text","text":"Let me enable WAL."},{"type":"tool_use","name":"Edit","input":{}}]}}
{"type":"user","uuid":"t1","sessionId":"s1","timestamp":"2025-03-01T10:00:06Z","cwd":"/home/dev/kioku","message":{"role":"user","content":[{"type":"tool_result","content":"ok"}]}}
{"type":"assistant","uuid":"a2","sessionId":"s1","timestamp":"2025-03-01T10:00:07Z","cwd":"/home/dev/kioku","message":{"role":"assistant","content":[{"type":"text","text":"Done, WAL is on."},{"type":"tool_use","name":"Bash"},{"type":"tool_use","name":"Edit"}]}}
not json at all
{"type":"user","uuid":"u2","sessionId":"s1","timestamp":"2025-03-01T10:01:00Z","cwd":"/home/dev/kioku","message":{"role":"user","content":"works now, thanks!"}}
{"type":"user","uuid":"m1","sessionId":"s1","isMeta":true,"message":{"role":"user","content":"<command-name>/clear</command-name>"}}
`

func TestParse(t *testing.T) {
	res, err := Parse(strings.NewReader(sampleTranscript), "fallback")
	if err != nil {
		t.Fatal(err)
	}
	if res.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", res.Malformed)
	}
	msgs := res.Sessions["s1"]
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	wantIDs := []string{"u1", "a1", "u2"}
	for i, m := range msgs {
		if m.ID != wantIDs[i] {
			t.Errorf("msgs[%d].ID = %s, want %s", i, m.ID, wantIDs[i])
		}
		if m.Sequence != i {
			t.Errorf("msgs[%d].Sequence = %d", i, m.Sequence)
		}
		if m.Project != "kioku" {
			t.Errorf("msgs[%d].Project = %q", i, m.Project)
		}
	}

	merged := msgs[1]
	if merged.Role != models.RoleAssistant {
		t.Errorf("role = %s", merged.Role)
	}
	if merged.Content != "Let me enable WAL.\n\nDone, WAL is on." {
		t.Errorf("merged content = %q", merged.Content)
	}
	if len(merged.ToolsUsed) != 2 || merged.ToolsUsed[0] != "Edit" || merged.ToolsUsed[1] != "Bash" {
		t.Errorf("tools = %v", merged.ToolsUsed)
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp should be parsed")
	}
}

func TestParse_FallbackSessionAndIDs(t *testing.T) {
	input := `{"type":"user","message":{"role":"user","content":"hello"}}
{"type":"assistant","message":{"role":"assistant","content":"hi"}}`
	res, err := Parse(strings.NewReader(input), "file-session")
	if err != nil {
		t.Fatal(err)
	}
	ids := res.SessionIDs()
	if len(ids) != 1 || ids[0] != "file-session" {
		t.Fatalf("sessions = %v", ids)
	}
	msgs := res.Sessions["file-session"]
	if msgs[0].ID != "file-session:1" || msgs[1].ID != "file-session:2" {
		t.Errorf("ids = %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if res.Count() != 2 {
		t.Errorf("Count = %d", res.Count())
	}
}

func TestParse_Empty(t *testing.T) {
	res, err := Parse(strings.NewReader(""), "x")
	if err != nil {
		t.Fatal(err)
	}
	if res.Count() != 0 || len(res.SessionIDs()) != 0 {
		t.Errorf("expected nothing, got %+v", res)
	}
}
