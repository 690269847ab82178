package tokenizer

import (
	"math"
	"strings"
	"testing"

	"github.com/parleybot/parley/pkg/models"
)

// wordEncoder counts whitespace-separated words, giving deterministic
// counts without the BPE vocabulary.
type wordEncoder struct{}

func (wordEncoder) Encode(text string, _, _ []string) []int {
	fields := strings.Fields(text)
	out := make([]int, len(fields))
	return out
}

func newWordTokenizer() *Tokenizer {
	return newWithResolver(func(string) (encoder, error) {
		return wordEncoder{}, nil
	})
}

func refModel(t *testing.T) models.ChatModel {
	t.Helper()
	model, ok := models.ChatModelByName("gpt-3.5-turbo-0613")
	if !ok {
		t.Fatal("reference model missing")
	}
	return model
}

func TestTokens(t *testing.T) {
	tok := newWordTokenizer()
	model := refModel(t)

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"two words", 2},
	}
	for _, tt := range tests {
		got, err := tok.Tokens(tt.text, model)
		if err != nil {
			t.Fatalf("Tokens(%q) error = %v", tt.text, err)
		}
		if got != tt.want {
			t.Errorf("Tokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestMessageTokens(t *testing.T) {
	tok := newWordTokenizer()
	model := refModel(t)

	named := models.NewUserMessage("three short words")
	named.Name = "alice"

	usage := models.NewToolUsage("internet_search", `{"query":"python"}`)

	tests := []struct {
		name string
		msg  *models.Message
		want int
	}{
		// content(2) + 3, role "user" encodes to 1 word
		{"user message", models.NewUserMessage("two words"), 2 + 3 + 1},
		// content(3) + 3, name overhead 2
		{"named message", named, 3 + 3 + 2},
		// no content, role(1), tool use 6 + name(1) + args(1)
		{"tool usage", usage, 1 + 6 + 1 + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tok.MessageTokens(tt.msg, model)
			if err != nil {
				t.Fatalf("MessageTokens() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("MessageTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMessagesTokensFraming(t *testing.T) {
	tok := newWordTokenizer()
	model := refModel(t)

	msgs := []*models.Message{
		models.NewUserMessage("one"),
		models.NewAssistantMessage("two words"),
	}
	// user: 1+3+1, assistant: 2+3+1, framing 2, priming 1
	want := (1 + 3 + 1) + (2 + 3 + 1) + 3

	got, err := tok.MessagesTokens(msgs, model)
	if err != nil {
		t.Fatalf("MessagesTokens() error = %v", err)
	}
	if got != want {
		t.Errorf("MessagesTokens() = %d, want %d", got, want)
	}
}

func TestToolsTokens(t *testing.T) {
	tok := newWordTokenizer()
	model := refModel(t)

	got, err := tok.ToolsTokens(nil, model)
	if err != nil || got != 0 {
		t.Errorf("ToolsTokens(nil) = %d, %v, want 0, nil", got, err)
	}

	tool, err := models.NewTool("internet_search", "Search the internet.",
		models.ToolParameter{Type: models.TypeString, Name: "query", Description: "Search terms."},
	)
	if err != nil {
		t.Fatalf("NewTool() error = %v", err)
	}

	got, err = tok.ToolsTokens([]*models.Tool{tool}, model)
	if err != nil {
		t.Fatalf("ToolsTokens() error = %v", err)
	}
	// 15 + name(1) + description(3) + parameter serialization (two fields)
	want := 15 + 1 + 3 + 2
	if got != want {
		t.Errorf("ToolsTokens() = %d, want %d", got, want)
	}
}

func TestModelTokensNoCallWrapper(t *testing.T) {
	tok := newWordTokenizer()
	model := refModel(t)
	reply := models.NewAssistantMessage("two words")

	plain, err := tok.ModelTokens(reply, model, false)
	if err != nil {
		t.Fatalf("ModelTokens() error = %v", err)
	}
	withTools, err := tok.ModelTokens(reply, model, true)
	if err != nil {
		t.Fatalf("ModelTokens() error = %v", err)
	}
	if withTools != plain+1 {
		t.Errorf("ModelTokens(hasTools) = %d, want %d", withTools, plain+1)
	}
}

func TestTokensCost(t *testing.T) {
	model := refModel(t) // in 0.0015/1k, out 0.002/1k

	tests := []struct {
		count   int
		isReply bool
		want    float64
	}{
		{1000, false, 0.0015},
		{1000, true, 0.002},
		{500, false, 0.00075},
		{0, true, 0},
	}
	for _, tt := range tests {
		got := TokensCost(tt.count, model, tt.isReply)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("TokensCost(%d, isReply=%v) = %v, want %v", tt.count, tt.isReply, got, tt.want)
		}
	}
}

func TestEncoderCachedPerModel(t *testing.T) {
	resolved := 0
	tok := newWithResolver(func(string) (encoder, error) {
		resolved++
		return wordEncoder{}, nil
	})
	model := refModel(t)

	for i := 0; i < 3; i++ {
		if _, err := tok.Tokens("hello there", model); err != nil {
			t.Fatalf("Tokens() error = %v", err)
		}
	}
	if resolved != 1 {
		t.Errorf("resolver called %d times, want 1", resolved)
	}
}
