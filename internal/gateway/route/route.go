// Package route はリクエストパスからバックエンドサービスを解決するルートテーブルを提供する。
//
// ルートは宣言順に評価され、最初に一致したものが採用される。
// テーブルは不変のスナップショットとして構築され、Registry がアトミックに差し替える。
// 読み手は常に完全な1つのスナップショットを参照する。
package route

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Route はパスパターンとバックエンドサービスの対応を表す。
type Route struct {
	// ID はルートの識別子（例: "exam-submissions"）。
	ID string `mapstructure:"id" yaml:"id" json:"id"`
	// Backend はバックエンドサービスの識別子。サーキットブレーカーの単位になる。
	Backend string `mapstructure:"backend" yaml:"backend" json:"backend"`
	// Pattern はパスパターン（例: "/api/exams/**"）。
	Pattern string `mapstructure:"pattern" yaml:"pattern" json:"pattern"`
	// Methods は許可するHTTPメソッド。空の場合はすべて許可する。
	Methods []string `mapstructure:"methods" yaml:"methods,omitempty" json:"methods,omitempty"`
	// TargetURL は転送先のベースURL。
	TargetURL string `mapstructure:"target_url" yaml:"target_url" json:"target_url"`
	// RequiredRole は必要なロール。空の場合は認証のみを要求する。
	RequiredRole string `mapstructure:"required_role" yaml:"required_role,omitempty" json:"required_role,omitempty"`
	// Public がtrueの場合は認証を要求しない。
	Public bool `mapstructure:"public" yaml:"public,omitempty" json:"public"`
	// ServiceName はフォールバックメッセージに使うサービスの表示名（例: "Exam Service"）。
	ServiceName string `mapstructure:"service_name" yaml:"service_name,omitempty" json:"service_name,omitempty"`
	// RateLimit はルート固有のレート制限。nilの場合は既定値を使う。
	RateLimit *RateLimit `mapstructure:"rate_limit" yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// RateLimit はルート固有のレート制限設定。
type RateLimit struct {
	// Limit はウィンドウあたりの上限リクエスト数。
	Limit int `mapstructure:"limit" yaml:"limit" json:"limit"`
	// Window はウィンドウの長さ。
	Window time.Duration `mapstructure:"window" yaml:"window" json:"window"`
}

// AllowsMethod はmethodがこのルートで許可されているかを返す。
func (r *Route) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// DisplayName はフォールバックメッセージ用のサービス名を返す。
func (r *Route) DisplayName() string {
	if r.ServiceName != "" {
		return r.ServiceName
	}
	return r.Backend
}

// Validate はルート定義の整合性を検証する。
func (r *Route) Validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("idが空です"))
	}
	if r.Backend == "" {
		errs = append(errs, errors.New("backendが空です"))
	}
	if _, err := compilePattern(r.Pattern); err != nil {
		errs = append(errs, err)
	}
	if u, err := url.Parse(r.TargetURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("target_urlが不正です: %q", r.TargetURL))
	}
	for _, m := range r.Methods {
		if !isKnownMethod(m) {
			errs = append(errs, fmt.Errorf("不明なHTTPメソッドです: %q", m))
		}
	}
	if r.Public && r.RequiredRole != "" {
		errs = append(errs, errors.New("publicなルートにrequired_roleは指定できません"))
	}
	if r.RateLimit != nil && (r.RateLimit.Limit <= 0 || r.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate_limitのlimitとwindowは正の値が必要です"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("ルート %q: %w", r.ID, errors.Join(errs...))
	}
	return nil
}

func isKnownMethod(m string) bool {
	switch strings.ToUpper(m) {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return true
	}
	return false
}
