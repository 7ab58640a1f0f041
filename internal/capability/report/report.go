package report

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/si1ence90/SecAgentCore/internal/capability"
)

// Capability 把分析结论落盘为 Markdown 或 HTML 报告。
type Capability struct {
	outputDir string
	now       func() time.Time
}

var _ capability.Capability = (*Capability)(nil)

// New 创建报告生成工具。
func New(outputDir string) *Capability {
	return &Capability{outputDir: outputDir, now: time.Now}
}

func (c *Capability) Name() string { return "generate_report" }

func (c *Capability) Description() string {
	return "将分析结论生成 Markdown/HTML 报告文件并返回路径"
}

func (c *Capability) Parameters() []capability.Parameter {
	return []capability.Parameter{
		{Name: "content", Type: "string", Description: "报告正文, Markdown 语法", Required: true},
		{Name: "title", Type: "string", Description: "报告标题", Default: "安全分析报告"},
		{Name: "formats", Type: "string", Description: "输出格式, 逗号分隔: markdown,html", Default: "markdown"},
	}
}

func (c *Capability) Sensitive() bool { return false }

// Output 列出生成的报告文件。
type Output struct {
	Title string   `json:"title"`
	Files []string `json:"files"`
}

var unsafeFilename = regexp.MustCompile(`[^\p{L}\p{N}_-]+`)

func (c *Capability) Execute(ctx context.Context, args map[string]any) (capability.Result, error) {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return capability.Result{Success: false, Error: "content 不能为空"}, nil
	}
	title, _ := args["title"].(string)
	if strings.TrimSpace(title) == "" {
		title = "安全分析报告"
	}
	formats, _ := args["formats"].(string)
	if strings.TrimSpace(formats) == "" {
		formats = "markdown"
	}

	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return capability.Result{}, fmt.Errorf("创建报告目录失败: %w", err)
	}

	timestamp := c.now().Format("20060102_150405")
	base := unsafeFilename.ReplaceAllString(title, "_")
	out := Output{Title: title}

	for _, format := range strings.Split(formats, ",") {
		format = strings.ToLower(strings.TrimSpace(format))
		var (
			path string
			body string
		)
		switch format {
		case "", "markdown", "md":
			path = filepath.Join(c.outputDir, fmt.Sprintf("%s_%s.md", base, timestamp))
			body = renderMarkdown(title, content, c.now())
		case "html":
			path = filepath.Join(c.outputDir, fmt.Sprintf("%s_%s.html", base, timestamp))
			body = renderHTML(title, content, c.now())
		default:
			return capability.Result{Success: false, Error: fmt.Sprintf("不支持的报告格式: %s", format)}, nil
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return capability.Result{}, fmt.Errorf("写入报告失败: %w", err)
		}
		out.Files = append(out.Files, path)
	}
	return capability.Result{Success: true, Output: out}, nil
}

func renderMarkdown(title, content string, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "> 生成时间: %s\n\n", at.Format(time.RFC3339))
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

func renderHTML(title, content string, at time.Time) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"zh-CN\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(title))
	b.WriteString("</head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<p><em>生成时间: %s</em></p>\n", at.Format(time.RFC3339))
	fmt.Fprintf(&b, "<pre>%s</pre>\n", html.EscapeString(content))
	b.WriteString("</body>\n</html>\n")
	return b.String()
}
