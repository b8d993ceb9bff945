package usage

import (
	"math"
	"unicode/utf8"

	"github.com/samber/mo"
	"github.com/tidwall/gjson"
)

// charsPerToken is the rough characters-per-token ratio used to estimate
// output size from generated text.
const charsPerToken = 4

// Token count provenance.
const (
	TokenSourceEvent     = "event"
	TokenSourceUsage     = "response_usage"
	TokenSourceRoot      = "response_root"
	TokenSourceText      = "text_estimate"
	TokenSourceFloor     = "floor"
	TokenSourceNone      = "none"
	TokenSourceGenerated = "generation_api"
)

// TokenInput is what an interaction offers for token counting.
type TokenInput struct {
	Event    gjson.Result
	Response gjson.Result
}

// TokenStrategy reads a token count from one place, or reports absence.
type TokenStrategy struct {
	Source  string
	Extract func(in TokenInput) mo.Option[int]
}

var (
	inputFieldNames  = []string{"prompt_tokens", "input_tokens", "promptTokens", "inputTokens"}
	outputFieldNames = []string{"completion_tokens", "output_tokens", "completionTokens", "outputTokens"}
)

// InputTokenStrategies and OutputTokenStrategies are tried in order; the
// first present value wins.
var (
	InputTokenStrategies  = tokenStrategies(inputFieldNames)
	OutputTokenStrategies = tokenStrategies(outputFieldNames)
)

func tokenStrategies(names []string) []TokenStrategy {
	return []TokenStrategy{
		{Source: TokenSourceEvent, Extract: func(in TokenInput) mo.Option[int] {
			if c := firstCount(in.Event.Get("usage"), names); c.IsPresent() {
				return c
			}
			return firstCount(in.Event, names)
		}},
		{Source: TokenSourceUsage, Extract: func(in TokenInput) mo.Option[int] {
			return firstCount(in.Response.Get("usage"), names)
		}},
		{Source: TokenSourceRoot, Extract: func(in TokenInput) mo.Option[int] {
			return firstCount(in.Response, names)
		}},
	}
}

// firstCount returns the first field in names holding a non-negative whole
// number.
func firstCount(obj gjson.Result, names []string) mo.Option[int] {
	if !obj.IsObject() {
		return mo.None[int]()
	}
	for _, name := range names {
		v := obj.Get(name)
		if v.Type != gjson.Number {
			continue
		}
		f := v.Float()
		if f < 0 || f != math.Trunc(f) {
			continue
		}
		return mo.Some(int(f))
	}
	return mo.None[int]()
}

// TokenCounts is the result of token extraction with provenance.
type TokenCounts struct {
	Input        int
	Output       int
	InputSource  string
	OutputSource string
}

// Total returns input plus output.
func (t TokenCounts) Total() int {
	return t.Input + t.Output
}

// ExtractTokens applies the strategy chains to event and response. Output
// tokens fall back to an estimate from generatedText, then to a floor of 1.
func ExtractTokens(event, response []byte, generatedText string) TokenCounts {
	in := TokenInput{Event: parseObject(event), Response: parseObject(response)}
	tc := TokenCounts{InputSource: TokenSourceNone}

	for _, s := range InputTokenStrategies {
		if n, ok := s.Extract(in).Get(); ok {
			tc.Input, tc.InputSource = n, s.Source
			break
		}
	}
	for _, s := range OutputTokenStrategies {
		if n, ok := s.Extract(in).Get(); ok {
			tc.Output, tc.OutputSource = n, s.Source
			return tc
		}
	}

	if est, ok := EstimateTokens(generatedText).Get(); ok {
		tc.Output, tc.OutputSource = est, TokenSourceText
		return tc
	}
	tc.Output, tc.OutputSource = 1, TokenSourceFloor
	return tc
}

// EstimateTokens returns ceil(characters / 4) for non-empty text.
func EstimateTokens(text string) mo.Option[int] {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return mo.None[int]()
	}
	return mo.Some((n + charsPerToken - 1) / charsPerToken)
}

func parseObject(raw []byte) gjson.Result {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return gjson.Result{}
	}
	return gjson.ParseBytes(raw)
}
