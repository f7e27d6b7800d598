package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/workflow"
)

// =============================================================================
// 📝 text-insights 示例流水线
// =============================================================================
//
//	normalize → analyze(word_count ‖ keywords) → long_text?(summarize)
//	          → headline(loop: draft_headline) → format(router)
// =============================================================================

const (
	pipelineName = "text-insights"

	// 默认超过该词数才生成摘要，可用 additional_data.summary_threshold 覆盖
	defaultSummaryThreshold = 40
	// 标题的最大长度
	maxHeadlineLen = 48
	maxKeywords    = 5
	summaryWords   = 25
)

var errEmptyInput = errors.New("input text is empty")

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"of": {}, "on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {},
	"were": {}, "will": {}, "with": {},
}

// textPipeline 持有流水线的步骤配置。实例只服务一次运行。
type textPipeline struct {
	cfg    config.WorkflowConfig
	logger *zap.Logger

	// headline 循环已尝试的次数
	attempts atomic.Int32
}

func newTextPipeline(cfg config.WorkflowConfig, logger *zap.Logger) *textPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &textPipeline{cfg: cfg, logger: logger.With(zap.String("component", "pipeline"))}
}

// stepOptions 把配置中的重试与超时应用到每个函数步骤
func (p *textPipeline) stepOptions(desc string, extra ...workflow.StepOption) []workflow.StepOption {
	opts := []workflow.StepOption{
		workflow.WithDescription(desc),
		workflow.WithMaxRetries(p.cfg.MaxRetries),
		workflow.WithRetryBackoff(p.cfg.RetryBackoff),
		workflow.WithTimeout(p.cfg.StepTimeout),
		workflow.WithStepLogger(p.logger),
	}
	return append(opts, extra...)
}

// Steps 构建流水线的顶层步骤
func (p *textPipeline) Steps() ([]any, error) {
	normalize, err := workflow.NewStep("normalize", p.stepOptions("Collapse whitespace in the input",
		workflow.WithFunc(p.normalize))...)
	if err != nil {
		return nil, err
	}

	wordCount, err := workflow.NewStep("word_count", p.stepOptions("Count words",
		workflow.WithFunc(countWords))...)
	if err != nil {
		return nil, err
	}
	keywords, err := workflow.NewStep("keywords", p.stepOptions("Pick the most frequent words",
		workflow.WithFunc(extractKeywords))...)
	if err != nil {
		return nil, err
	}
	analyze, err := workflow.NewParallel("analyze", []any{wordCount, keywords},
		workflow.WithMaxConcurrency(p.cfg.MaxConcurrency),
		workflow.WithCompositeDescription("Word statistics"),
		workflow.WithCompositeLogger(p.logger),
	)
	if err != nil {
		return nil, err
	}

	summarize, err := workflow.NewStep("summarize", p.stepOptions("Keep the leading words",
		workflow.WithFunc(summarizeText),
		workflow.WithSkipOnFailure(true))...)
	if err != nil {
		return nil, err
	}
	longText, err := workflow.NewCondition("long_text", isLongText, []any{summarize},
		workflow.WithCompositeDescription("Summarize long inputs only"),
		workflow.WithCompositeLogger(p.logger),
	)
	if err != nil {
		return nil, err
	}

	draft, err := workflow.NewStep("draft_headline", p.stepOptions("Build a headline from the keywords",
		workflow.WithFunc(p.draftHeadline))...)
	if err != nil {
		return nil, err
	}
	headline, err := workflow.NewLoop("headline", []any{draft},
		workflow.WithMaxIterations(maxKeywords),
		workflow.WithEndCondition(headlineFits),
		workflow.WithCompositeDescription("Shorten the headline until it fits"),
		workflow.WithCompositeLogger(p.logger),
	)
	if err != nil {
		return nil, err
	}

	markdown, err := workflow.NewStep("markdown_report", p.stepOptions("Render a markdown report",
		workflow.WithGenerator(markdownReport))...)
	if err != nil {
		return nil, err
	}
	text, err := workflow.NewStep("text_report", p.stepOptions("Render a plain text report",
		workflow.WithGenerator(textReport))...)
	if err != nil {
		return nil, err
	}
	format, err := workflow.NewRouter("format", selectFormat, []any{markdown, text},
		workflow.WithCompositeDescription("Pick the report format"),
		workflow.WithCompositeLogger(p.logger),
	)
	if err != nil {
		return nil, err
	}

	return []any{normalize, analyze, longText, headline, format}, nil
}

// =============================================================================
// 步骤实现
// =============================================================================

func (p *textPipeline) normalize(_ context.Context, in *workflow.StepInput) (any, error) {
	p.attempts.Store(0)
	text := strings.Join(strings.Fields(in.MessageString()), " ")
	if text == "" {
		return nil, errEmptyInput
	}
	return text, nil
}

func countWords(_ context.Context, in *workflow.StepInput) (any, error) {
	n := len(tokenize(normalizedText(in)))
	return &workflow.StepOutput{
		Content:    n,
		StateDelta: map[string]any{"last_word_count": n},
	}, nil
}

func extractKeywords(_ context.Context, in *workflow.StepInput) (any, error) {
	kws := topKeywords(normalizedText(in), maxKeywords)
	return &workflow.StepOutput{
		Content:    kws,
		StateDelta: map[string]any{"last_keywords": kws},
	}, nil
}

func isLongText(_ context.Context, in *workflow.StepInput) (bool, error) {
	threshold := defaultSummaryThreshold
	if v, ok := asInt(in.AdditionalData["summary_threshold"]); ok {
		threshold = v
	}
	stats, ok := in.GetStepContent("analyze").(map[string]any)
	if !ok {
		return false, fmt.Errorf("analyze output missing")
	}
	n, ok := asInt(stats["word_count"])
	if !ok {
		return false, fmt.Errorf("word_count output missing")
	}
	return n > threshold, nil
}

func summarizeText(_ context.Context, in *workflow.StepInput) (any, error) {
	words := strings.Fields(normalizedText(in))
	if len(words) <= summaryWords {
		return strings.Join(words, " "), nil
	}
	return strings.Join(words[:summaryWords], " ") + " ...", nil
}

// draftHeadline 每次迭代少用一个关键词
func (p *textPipeline) draftHeadline(_ context.Context, in *workflow.StepInput) (any, error) {
	attempt := int(p.attempts.Add(1))
	kws := keywordsOf(in)
	if len(kws) == 0 {
		return "Untitled", nil
	}
	n := len(kws) - attempt + 1
	if n < 1 {
		n = 1
	}
	parts := make([]string, n)
	for i, kw := range kws[:n] {
		parts[i] = titleCase(kw)
	}
	return strings.Join(parts, " · "), nil
}

func headlineFits(outputs []*workflow.StepOutput) (bool, error) {
	if len(outputs) == 0 {
		return false, fmt.Errorf("no headline drafted")
	}
	return len([]rune(outputs[len(outputs)-1].ContentString())) <= maxHeadlineLen, nil
}

func selectFormat(ctx context.Context, in *workflow.StepInput, choices []workflow.Executable) ([]workflow.Executable, error) {
	format, _ := in.AdditionalData["format"].(string)
	switch strings.ToLower(format) {
	case "markdown", "md":
		return workflow.SelectByName("markdown_report")(ctx, in, choices)
	case "", "text":
		return workflow.SelectByName("text_report")(ctx, in, choices)
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

func markdownReport(_ context.Context, in *workflow.StepInput, yield func(chunk any) bool) error {
	r := collectReport(in)
	lines := []string{
		"# " + r.headline + "\n\n",
		fmt.Sprintf("**Words:** %d\n\n", r.words),
		"**Keywords:** " + strings.Join(r.keywords, ", ") + "\n\n",
		"## Summary\n\n",
		r.summary + "\n",
	}
	for _, line := range lines {
		if !yield(line) {
			return nil
		}
	}
	return nil
}

func textReport(_ context.Context, in *workflow.StepInput, yield func(chunk any) bool) error {
	r := collectReport(in)
	lines := []string{
		r.headline + "\n",
		fmt.Sprintf("Words: %d\n", r.words),
		"Keywords: " + strings.Join(r.keywords, ", ") + "\n",
		"Summary: " + r.summary + "\n",
	}
	for _, line := range lines {
		if !yield(line) {
			return nil
		}
	}
	return nil
}

// =============================================================================
// 辅助函数
// =============================================================================

type report struct {
	headline string
	words    int
	keywords []string
	summary  string
}

func collectReport(in *workflow.StepInput) report {
	r := report{
		headline: contentText(in.GetStepContent("headline")),
		keywords: keywordsOf(in),
		summary:  contentText(in.GetStepContent("long_text")),
	}
	if stats, ok := in.GetStepContent("analyze").(map[string]any); ok {
		r.words, _ = asInt(stats["word_count"])
	}
	if r.summary == "" {
		r.summary = normalizedText(in)
	}
	if r.headline == "" {
		r.headline = "Untitled"
	}
	return r
}

// normalizedText 返回 normalize 步骤的输出，缺失时退回原始输入
func normalizedText(in *workflow.StepInput) string {
	if s, ok := in.GetStepContent("normalize").(string); ok {
		return s
	}
	return in.MessageString()
}

func keywordsOf(in *workflow.StepInput) []string {
	stats, ok := in.GetStepContent("analyze").(map[string]any)
	if !ok {
		return nil
	}
	switch v := stats["keywords"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, k := range v {
			if s, ok := k.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contentText(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		return fmt.Sprint(c)
	}
}

// tokenize 返回小写单词，去掉首尾标点
func tokenize(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// topKeywords 按词频降序取前 n 个非停用词，同频按字母序
func topKeywords(text string, n int) []string {
	freq := make(map[string]int)
	for _, w := range tokenize(text) {
		if _, stop := stopWords[w]; stop || len([]rune(w)) < 3 {
			continue
		}
		freq[w]++
	}
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func titleCase(w string) string {
	r := []rune(w)
	if len(r) == 0 {
		return w
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// asInt 接受内存中的 int 与反序列化后的 float64
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
