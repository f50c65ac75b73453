package render

import (
	"fmt"
	"strings"
	"text/template"
)

// Type は描画対象の種別を表す。
type Type string

const (
	// TypeTitle はテンプレートのタイトル部分を描画対象とする。
	TypeTitle Type = "title"
	// TypeContent はテンプレートの本文部分を描画対象とする。
	TypeContent Type = "content"
)

// Template は描画対象となるテンプレートの内容。
type Template struct {
	// Code はテンプレートの識別コード。エラーメッセージに使用する。
	Code string
	// Title はタイトル用のテンプレート文字列。
	Title string
	// Content は本文用のテンプレート文字列。
	Content string
}

// Render はテンプレートをパラメータマップで描画して文字列を返す。
// 未定義の変数参照はエラーとして扱う。
func Render(tmpl Template, params map[string]any, typ Type) (string, error) {
	var text string
	switch typ {
	case TypeTitle:
		text = tmpl.Title
	case TypeContent:
		text = tmpl.Content
	default:
		return "", fmt.Errorf("不明な描画対象: %s", typ)
	}

	t, err := template.New(tmpl.Code + ":" + string(typ)).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("テンプレートの解析に失敗: %w", err)
	}

	var buf strings.Builder
	if err := t.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("テンプレートの描画に失敗: %w", err)
	}
	return buf.String(), nil
}
