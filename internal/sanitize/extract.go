package sanitize

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrParseDegraded marks an answer that fell back to the cleaned text.
var ErrParseDegraded = errors.New("structured answer not found, using cleaned text")

type Method string

const (
	MethodFenced Method = "fenced"
	MethodObject Method = "object"
	MethodField  Method = "field"
	MethodString Method = "string"
	MethodRaw    Method = "raw"
)

type Extraction struct {
	Answer   string
	Method   Method
	Degraded bool
}

func (e Extraction) Err() error {
	if e.Degraded {
		return ErrParseDegraded
	}
	return nil
}

var (
	fencedBlock = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)```")
	answerField = regexp.MustCompile(`(?is)["']?answer["']?\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// Extract never fails. When no strategy finds a structured answer the input
// is returned verbatim with Degraded set.
func Extract(text string) Extraction {
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		if answer, ok := answerFromJSON(m[1]); ok {
			return Extraction{Answer: answer, Method: MethodFenced}
		}
	}

	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			if answer, ok := answerFromJSON(text[start : end+1]); ok {
				return Extraction{Answer: answer, Method: MethodObject}
			}
		}
	}

	if m := answerField.FindStringSubmatch(text); m != nil {
		var unescaped string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &unescaped); err == nil {
			return Extraction{Answer: unescaped, Method: MethodField}
		}
		return Extraction{Answer: m[1], Method: MethodField}
	}

	trimmed := strings.TrimSpace(text)
	if len(trimmed) >= 2 && strings.HasPrefix(trimmed, `"`) && strings.HasSuffix(trimmed, `"`) {
		var literal string
		if err := json.Unmarshal([]byte(trimmed), &literal); err == nil {
			return Extraction{Answer: literal, Method: MethodString}
		}
	}

	return Extraction{Answer: text, Method: MethodRaw, Degraded: true}
}

func ExtractAnswer(text string) string {
	return Extract(text).Answer
}

// Process cleans raw model output and extracts the answer from it.
func Process(raw string) Extraction {
	return Extract(Clean(raw))
}

func answerFromJSON(raw string) (string, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &obj); err != nil {
		return "", false
	}
	for _, key := range []string{"answer", "content"} {
		if text, ok := stringify(obj[key]); ok && text != "" {
			return text, true
		}
	}
	if text, ok := obj["answer"].(string); ok {
		return text, true
	}
	return "", false
}

func stringify(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
