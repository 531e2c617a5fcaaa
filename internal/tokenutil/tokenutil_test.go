package tokenutil

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{
			name:    "empty string",
			content: "",
			want:    0,
		},
		{
			name:    "short word",
			content: "hello",
			want:    1, // 5/4 = 1
		},
		{
			name:    "paragraph",
			content: "The quick brown fox jumps over the lazy dog near the river bank",
			want:    15, // len=63, 63/4 = 15
		},
		{
			name: "CJK text",
			// Each CJK character is 3 bytes in UTF-8; the estimate is byte-based.
			content: "你好世界欢迎光临",
			want:    6, // 24 bytes / 4 = 6
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.content)
			if got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestTokensForChars(t *testing.T) {
	tests := []struct {
		chars int
		want  int
	}{
		{0, 0},
		{-10, 0},
		{3, 0},
		{4, 1},
		{400_001, 100_000},
		{400_004, 100_001},
	}
	for _, tt := range tests {
		if got := TokensForChars(tt.chars); got != tt.want {
			t.Errorf("TokensForChars(%d) = %d; want %d", tt.chars, got, tt.want)
		}
	}
}
