package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/opencode-core/engine/internal/permission"
	"github.com/opencode-core/engine/internal/provider"
	"github.com/opencode-core/engine/internal/tool"
	"github.com/opencode-core/engine/pkg/types"
)

// TestAgenticLoopWithRealLLM exercises Processor.Process end to end against
// a live model, skipping unless credentials are provided via the
// environment (or a .env file). It's a smoke test for the full turn loop,
// not a substitute for the unit tests elsewhere in this package.
func TestAgenticLoopWithRealLLM(t *testing.T) {
	godotenv.Load("../../.env")

	apiKey := os.Getenv("ARK_API_KEY")
	modelID := os.Getenv("ARK_MODEL_ID")
	baseURL := os.Getenv("ARK_BASE_URL")

	if apiKey == "" || modelID == "" {
		t.Skip("ARK_API_KEY and ARK_MODEL_ID required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := &types.Config{
		Model: "ark/" + modelID,
		Provider: map[string]types.ProviderConfig{
			"ark": {
				APIKey:  apiKey,
				BaseURL: baseURL,
				Model:   modelID,
			},
		},
	}

	providerReg, err := provider.InitializeProviders(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to initialize providers: %v", err)
	}

	r := newTestRepo(t)
	tempDir := t.TempDir()
	toolReg := tool.DefaultRegistry(tempDir, r)
	checker := permission.NewChecker()
	gate := permission.NewGate(r, checker)
	truncator := tool.NewTruncator(tempDir)
	processor := NewProcessor(providerReg, toolReg, r, gate, checker, truncator, "ark", modelID)

	sessionID := "test-session"
	session := &types.Session{
		ID:        sessionID,
		Directory: tempDir,
		Time:      types.SessionTime{Created: time.Now().UnixMilli(), Updated: time.Now().UnixMilli()},
	}
	if err := r.PutSession(ctx, session); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}

	userMsg := &types.Message{
		ID:        "user-msg-1",
		SessionID: sessionID,
		Role:      "user",
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if err := r.PutMessage(ctx, userMsg); err != nil {
		t.Fatalf("failed to save message: %v", err)
	}

	userPart := &types.TextPart{
		ID:        "user-part-1",
		SessionID: sessionID,
		MessageID: userMsg.ID,
		Type:      "text",
		Text:      "Say hello in one word.",
	}
	if err := r.PutPart(ctx, userPart); err != nil {
		t.Fatalf("failed to save part: %v", err)
	}

	var receivedParts []types.Part
	var receivedMsg *types.Message
	callbackCount := 0

	err = processor.Process(ctx, sessionID, DefaultAgent(), func(msg *types.Message, ps []types.Part) {
		receivedMsg = msg
		receivedParts = ps
		callbackCount++
		t.Logf("Callback #%d: msg=%+v, parts count=%d", callbackCount, msg.ID, len(ps))
		for i, p := range ps {
			switch pt := p.(type) {
			case *types.TextPart:
				t.Logf("  Part %d: TextPart text=%q", i, pt.Text)
			case *types.ToolPart:
				t.Logf("  Part %d: ToolPart tool=%s", i, pt.ToolName)
			default:
				t.Logf("  Part %d: Unknown type %T", i, p)
			}
		}
	})

	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	t.Logf("Final parts count: %d", len(receivedParts))
	t.Logf("Total callbacks: %d", callbackCount)

	if callbackCount == 0 {
		t.Fatal("Callback was not called")
	}

	if receivedMsg == nil {
		t.Fatal("Expected assistant message")
	}

	if len(receivedParts) == 0 {
		t.Fatal("Expected at least one part")
	}

	t.Logf("Test passed! Received %d parts", len(receivedParts))
}

func TestLatestSummaryCutoff_NoSummary(t *testing.T) {
	messages := []*types.Message{
		{ID: "msg_01"},
		{ID: "msg_02"},
	}
	if got := latestSummaryCutoff(messages); got != "" {
		t.Fatalf("expected empty cutoff, got %q", got)
	}
}

func TestContextOverflow_NoTokens(t *testing.T) {
	p := &Processor{}
	messages := []*types.Message{{ID: "msg_01"}}
	model := &types.Model{ID: "test-model", ContextLength: 100000}
	overflow, _ := p.contextOverflow(messages, model)
	if overflow {
		t.Fatal("messages with no recorded token usage should never overflow")
	}
}

func TestContextOverflow_UnderBudget(t *testing.T) {
	p := &Processor{}
	messages := []*types.Message{{
		ID: "msg_01",
		Tokens: &types.TokenUsage{
			Input:  1000,
			Output: 500,
			Cache:  types.CacheUsage{Read: 0},
		},
	}}
	model := &types.Model{ID: "test-model", ContextLength: 100000, MaxOutputTokens: 4096}
	overflow, _ := p.contextOverflow(messages, model)
	if overflow {
		t.Fatal("usage well under the context limit should not overflow")
	}
}

func TestContextOverflow_OverBudget(t *testing.T) {
	p := &Processor{}
	messages := []*types.Message{{
		ID: "msg_01",
		Tokens: &types.TokenUsage{
			Input:  99000,
			Output: 500,
			Cache:  types.CacheUsage{Read: 1000},
		},
	}}
	model := &types.Model{ID: "test-model", ContextLength: 100000, MaxOutputTokens: 4096}
	overflow, _ := p.contextOverflow(messages, model)
	if !overflow {
		t.Fatal("usage near the context limit should overflow")
	}
}
