package route

import (
	"fmt"
	"strings"
)

// pattern はコンパイル済みのパスパターン。
//
//	/api/gateway/info  完全一致
//	/api/exams/*       1セグメントに一致
//	/api/exams/**      /api/exams 自身とその配下すべてに一致（末尾のみ）
type pattern struct {
	segments []string
	// prefix は末尾が "**" の場合にtrue。
	prefix bool
}

func compilePattern(raw string) (pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return pattern{}, fmt.Errorf("パターンは/で始まる必要があります: %q", raw)
	}
	segs := splitPath(raw)
	p := pattern{}
	for i, s := range segs {
		if s == "**" {
			if i != len(segs)-1 {
				return pattern{}, fmt.Errorf("**はパターンの末尾にのみ指定できます: %q", raw)
			}
			p.prefix = true
			break
		}
		if strings.Contains(s, "*") && s != "*" {
			return pattern{}, fmt.Errorf("セグメント内のワイルドカードはサポートしていません: %q", raw)
		}
		p.segments = append(p.segments, s)
	}
	return p, nil
}

func (p pattern) match(path string) bool {
	segs := splitPath(path)
	if p.prefix {
		if len(segs) < len(p.segments) {
			return false
		}
	} else if len(segs) != len(p.segments) {
		return false
	}
	for i, s := range p.segments {
		if s != "*" && s != segs[i] {
			return false
		}
	}
	return true
}

// splitPath は空セグメントを除いてパスを分割する。
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
