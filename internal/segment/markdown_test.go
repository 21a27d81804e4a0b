package segment

import "testing"

func TestFlatten(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		md   string
		want string
	}{
		{
			name: "plain text unchanged",
			md:   "你好。在吗？",
			want: "你好。在吗？",
		},
		{
			name: "heading keeps text",
			md:   "# 标题\n\n正文。",
			want: "标题\n\n正文。",
		},
		{
			name: "inline formatting stripped",
			md:   "这是**重点**和*斜体*和`代码`。",
			want: "这是重点和斜体和代码。",
		},
		{
			name: "link keeps destination",
			md:   "详见[说明](https://example.com/doc)。",
			want: "详见说明 (https://example.com/doc)。",
		},
		{
			name: "unordered list keeps markers",
			md:   "- 第一项\n- 第二项",
			want: "- 第一项\n- 第二项",
		},
		{
			name: "ordered list renumbered",
			md:   "1. 写代码\n2. 发布",
			want: "1. 写代码\n2. 发布",
		},
		{
			name: "fenced code content kept",
			md:   "```go\nfmt.Println(1)\n```",
			want: "fmt.Println(1)",
		},
		{
			name: "paragraph break survives",
			md:   "一段。\n\n二段。",
			want: "一段。\n\n二段。",
		},
		{
			name: "numbered item stays readable",
			md:   "1. item",
			want: "1. item",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Flatten(tt.md); got != tt.want {
				t.Errorf("Flatten(%q) = %q, want %q", tt.md, got, tt.want)
			}
		})
	}
}

// Flattened output must still segment: the blank line between markdown
// paragraphs is what the splitter keys on.
func TestFlattenThenSplit(t *testing.T) {
	t.Parallel()

	got := Split(Flatten("**第一段。**\n\n第二段。"), Options{})
	want := []string{"第一段。", "第二段。"}
	if len(got) != len(want) {
		t.Fatalf("chunks = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}
