package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyOutput 表示推理结果中没有可解析的内容。
var ErrEmptyOutput = errors.New("reasoning output is empty")

// ExtractJSON 去除 Markdown 代码块包裹，返回第一个完整的 JSON 对象文本。
func ExtractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		if nl := strings.IndexByte(content, '\n'); nl >= 0 {
			// 跳过 ```json 之类的语言标记
			content = content[nl+1:]
		}
		if end := strings.LastIndex(content, "```"); end >= 0 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}
	if strings.HasPrefix(content, "{") {
		return content
	}
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}

// DecodeObject 把推理输出解码为 v。输出必须是单个 JSON 对象，类型不符即失败。
func DecodeObject(content string, v any) error {
	text := ExtractJSON(content)
	if text == "" {
		return ErrEmptyOutput
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode reasoning output: %w", err)
	}
	if dec.More() {
		return errors.New("decode reasoning output: trailing data after JSON object")
	}
	return nil
}
