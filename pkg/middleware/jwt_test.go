package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// testIssuer はテスト用の発行元。
const testIssuer = "auth-service"

// fixedNow はテストで使用する固定の現在時刻。
var fixedNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// newTestValidator はHS256のテスト用TokenValidatorを生成する。
func newTestValidator(t *testing.T, mutate ...func(*ValidatorConfig)) *TokenValidator {
	t.Helper()

	cfg := ValidatorConfig{
		Keys:    KeySet{HMAC: map[string][]byte{"": []byte(testSecret)}},
		Issuers: []string{testIssuer},
		Now:     func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	v, err := NewTokenValidator(cfg)
	if err != nil {
		t.Fatalf("NewTokenValidator()でエラーが発生: %v", err)
	}
	return v
}

// mustToken はテスト用のトークンを発行する。
func mustToken(t *testing.T, secret string, req TokenRequest) string {
	t.Helper()

	if req.IssuedAt.IsZero() {
		req.IssuedAt = fixedNow.Add(-time.Minute)
	}
	if req.Issuer == "" {
		req.Issuer = testIssuer
	}
	tok, err := GenerateJWT(secret, req)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	return tok
}

// assertAuthKind はエラーが指定種類のAuthErrorであることを検証する。
func assertAuthKind(t *testing.T, err error, want AuthErrorKind) {
	t.Helper()

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, *AuthErrorであるべき", err)
	}
	if authErr.Kind != want {
		t.Errorf("Kind = %q, want %q", authErr.Kind, want)
	}
}

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("クレームが正しく設定されること", func(t *testing.T) {
		t.Parallel()

		issuedAt := time.Now().Truncate(time.Second)
		tokenStr, err := GenerateJWT(testSecret, TokenRequest{
			Subject:  "alice",
			Roles:    []string{"STUDENT", "TA"},
			Issuer:   testIssuer,
			IssuedAt: issuedAt,
			TTL:      time.Hour,
		})
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		})
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if token.Method.Alg() != "HS256" {
			t.Errorf("署名アルゴリズム = %q, want %q", token.Method.Alg(), "HS256")
		}
		if claims.Subject != "alice" {
			t.Errorf("Subject = %q, want %q", claims.Subject, "alice")
		}
		if claims.Role != "STUDENT" {
			t.Errorf("Role = %q, want %q", claims.Role, "STUDENT")
		}
		if len(claims.Roles) != 2 {
			t.Errorf("len(Roles) = %d, want 2", len(claims.Roles))
		}
		if !claims.ExpiresAt.Time.Equal(issuedAt.Add(time.Hour)) {
			t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt.Time, issuedAt.Add(time.Hour))
		}
	})

	t.Run("TTL未指定の場合は24時間になること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, TokenRequest{Subject: "bob", IssuedAt: fixedNow})
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		claims := &JWTClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if !claims.ExpiresAt.Time.Equal(fixedNow.Add(24 * time.Hour)) {
			t.Errorf("ExpiresAt = %v, want %v", claims.ExpiresAt.Time, fixedNow.Add(24*time.Hour))
		}
	})

	t.Run("KeyIDを指定した場合にkidヘッダーが設定されること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, TokenRequest{Subject: "carol", KeyID: "k2"})
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		token, _, err := jwt.NewParser().ParseUnverified(tokenStr, &JWTClaims{})
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if token.Header["kid"] != "k2" {
			t.Errorf("kid = %v, want %q", token.Header["kid"], "k2")
		}
	})
}

// TestTokenValidator はTokenValidator.Validateを検証する。
func TestTokenValidator(t *testing.T) {
	t.Parallel()

	t.Run("正しいトークンからsubjectとロールを取り出せること", func(t *testing.T) {
		t.Parallel()

		v := newTestValidator(t)
		raw := mustToken(t, testSecret, TokenRequest{Subject: "alice", Roles: []string{"INSTRUCTOR"}})

		tok, err := v.Validate(raw)
		if err != nil {
			t.Fatalf("Validate()でエラーが発生: %v", err)
		}
		if tok.Subject != "alice" {
			t.Errorf("Subject = %q, want %q", tok.Subject, "alice")
		}
		if !tok.HasRole("instructor") {
			t.Error("大文字小文字を区別せずにロールを判定できるべき")
		}
		if !tok.SignatureValid {
			t.Error("SignatureValidがtrueであるべき")
		}
		if tok.Issuer != testIssuer {
			t.Errorf("Issuer = %q, want %q", tok.Issuer, testIssuer)
		}
	})

	t.Run("期限切れのトークンはExpiredになること", func(t *testing.T) {
		t.Parallel()

		v := newTestValidator(t)
		raw := mustToken(t, testSecret, TokenRequest{
			Subject:  "alice",
			IssuedAt: fixedNow.Add(-2 * time.Hour),
			TTL:      time.Hour,
		})

		_, err := v.Validate(raw)
		assertAuthKind(t, err, AuthExpired)
	})

	t.Run("期限切れのトークンは署名が不正でもExpiredになること", func(t *testing.T) {
		t.Parallel()

		v := newTestValidator(t)
		raw := mustToken(t, "another-secret", TokenRequest{
			Subject:  "mallory",
			IssuedAt: fixedNow.Add(-2 * time.Hour),
			TTL:      time.Hour,
		})

		_, err := v.Validate(raw)
		assertAuthKind(t, err, AuthExpired)
	})

	t.Run("異なるシークレットで署名されたトークンはUnsignedになること", func(t *testing.T) {
		t.Parallel()

		v := newTestValidator(t)
		raw := mustToken(t, "another-secret", TokenRequest{Subject: "mallory"})

		_, err := v.Validate(raw)
		assertAuthKind(t, err, AuthUnsigned)
	})

	t.Run("alg=noneのトークンはUnsignedになること", func(t *testing.T) {
		t.Parallel()

		v := newTestValidator(t)
		claims := JWTClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "mallory",
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Hour)),
		}}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("unsignedトークンの生成に失敗: %v", err)
		}

		_, err = v.Validate(raw)
		assertAuthKind(t, err, AuthUnsigned)
	})

	t.Run("JWT形式でない文字列はMalformedになること", func(t *testing.T) {
		t.Parallel()

		v := newTestValidator(t)
		for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
			_, err := v.Validate(raw)
			assertAuthKind(t, err, AuthMalformed)
		}
	})

	t.Run("subもuser_idも無いトークンはMalformedになること", func(t *testing.T) {
		t.Parallel()

		v := newTestValidator(t)
		raw := mustToken(t, testSecret, TokenRequest{})

		_, err := v.Validate(raw)
		assertAuthKind(t, err, AuthMalformed)
	})

	t.Run("許可されていない発行元はUnknownIssuerになること", func(t *testing.T) {
		t.Parallel()

		v := newTestValidator(t)
		raw := mustToken(t, testSecret, TokenRequest{Subject: "alice", Issuer: "evil-issuer"})

		_, err := v.Validate(raw)
		assertAuthKind(t, err, AuthUnknownIssuer)
	})

	t.Run("nbfより前のトークンはNotYetValidになること", func(t *testing.T) {
		t.Parallel()

		v := newTestValidator(t)
		raw := mustToken(t, testSecret, TokenRequest{Subject: "alice", NotBefore: fixedNow.Add(10 * time.Minute)})

		_, err := v.Validate(raw)
		assertAuthKind(t, err, AuthNotYetValid)
	})

	t.Run("kidで鍵を選択できること", func(t *testing.T) {
		t.Parallel()

		v := newTestValidator(t, func(c *ValidatorConfig) {
			c.Keys.HMAC = map[string][]byte{"": []byte(testSecret), "rotated": []byte("rotated-secret")}
		})
		raw := mustToken(t, "rotated-secret", TokenRequest{Subject: "alice", KeyID: "rotated"})

		if _, err := v.Validate(raw); err != nil {
			t.Fatalf("Validate()でエラーが発生: %v", err)
		}

		unknown := mustToken(t, "rotated-secret", TokenRequest{Subject: "alice", KeyID: "unknown"})
		_, err := v.Validate(unknown)
		assertAuthKind(t, err, AuthUnsigned)
	})

	t.Run("RSA公開鍵で検証できること", func(t *testing.T) {
		t.Parallel()

		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("RSA鍵の生成に失敗: %v", err)
		}
		v := newTestValidator(t, func(c *ValidatorConfig) {
			c.Keys = KeySet{RSA: map[string]*rsa.PublicKey{"": &priv.PublicKey}}
		})
		claims := JWTClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "dave",
				Issuer:    testIssuer,
				ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Hour)),
			},
			Role: "FACULTY",
		}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(priv)
		if err != nil {
			t.Fatalf("RS256署名に失敗: %v", err)
		}

		tok, err := v.Validate(raw)
		if err != nil {
			t.Fatalf("Validate()でエラーが発生: %v", err)
		}
		if !tok.HasRole("FACULTY") {
			t.Errorf("Roles = %v, FACULTYを含むべき", tok.Roles)
		}
	})

	t.Run("キャッシュ済みのトークンも期限切れ後はExpiredになること", func(t *testing.T) {
		t.Parallel()

		now := fixedNow
		v := newTestValidator(t, func(c *ValidatorConfig) {
			c.CacheSize = 16
			c.CacheTTL = time.Hour
			c.Now = func() time.Time { return now }
		})
		raw := mustToken(t, testSecret, TokenRequest{Subject: "alice", IssuedAt: fixedNow, TTL: time.Minute})

		if _, err := v.Validate(raw); err != nil {
			t.Fatalf("Validate()でエラーが発生: %v", err)
		}
		if _, err := v.Validate(raw); err != nil {
			t.Fatalf("キャッシュヒット時にエラーが発生: %v", err)
		}

		now = fixedNow.Add(2 * time.Minute)
		_, err := v.Validate(raw)
		assertAuthKind(t, err, AuthExpired)
	})

	t.Run("鍵が1つも無い場合は生成に失敗すること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewTokenValidator(ValidatorConfig{}); err == nil {
			t.Fatal("鍵が無い場合はエラーを返すべき")
		}
	})
}

// TestBearerToken はBearerToken関数を検証する。
func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{name: "Bearer形式から取り出せること", header: "Bearer abc.def.ghi", want: "abc.def.ghi", ok: true},
		{name: "空ヘッダーは失敗すること", header: "", ok: false},
		{name: "Basic形式は失敗すること", header: "Basic dXNlcjpwYXNz", ok: false},
		{name: "トークンが空の場合は失敗すること", header: "Bearer   ", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := BearerToken(tt.header)
			if ok != tt.ok || got != tt.want {
				t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
			}
		})
	}
}

// TestValidateHeader はAuthorizationヘッダーからの検証とエラー種別を検証する。
func TestValidateHeader(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t)
	raw := mustToken(t, testSecret, TokenRequest{Subject: "alice", Roles: []string{"STUDENT"}})

	tests := []struct {
		name     string
		header   string
		wantCode string
		wantMsg  string
	}{
		{name: "ヘッダーが空", header: "", wantCode: "AUTH_REQUIRED", wantMsg: "Authorizationヘッダーが必要です"},
		{name: "Bearer形式でない", header: "Basic dXNlcjpwYXNz", wantCode: "TOKEN_MALFORMED", wantMsg: "トークンが無効です"},
		{name: "トークンが空", header: "Bearer  ", wantCode: "TOKEN_MALFORMED", wantMsg: "トークンが無効です"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := v.ValidateHeader(tt.header)
			if err == nil {
				t.Fatal("エラーが返されるべき")
			}
			if got := AuthErrorCode(err); got != tt.wantCode {
				t.Errorf("AuthErrorCode() = %q, want %q", got, tt.wantCode)
			}
			if got := AuthErrorMessage(err); got != tt.wantMsg {
				t.Errorf("AuthErrorMessage() = %q, want %q", got, tt.wantMsg)
			}
		})
	}

	t.Run("有効なBearerトークン", func(t *testing.T) {
		t.Parallel()

		tok, err := v.ValidateHeader("Bearer " + raw)
		if err != nil {
			t.Fatalf("ValidateHeader()でエラーが発生: %v", err)
		}
		if tok.Subject != "alice" {
			t.Errorf("Subject = %q, want %q", tok.Subject, "alice")
		}
	})
}

// TestJWTAuth はJWTAuthミドルウェアとRequireRoleを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	newRouter := func(v *TokenValidator) *gin.Engine {
		router := gin.New()
		admin := router.Group("/admin")
		admin.Use(JWTAuth(v), RequireRole("ADMIN"))
		admin.GET("/me", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c)})
		})
		return router
	}

	t.Run("ADMINロールのトークンで200が返ること", func(t *testing.T) {
		t.Parallel()

		v := newTestValidator(t)
		raw := mustToken(t, testSecret, TokenRequest{Subject: "root", Roles: []string{"ADMIN"}})

		req := httptest.NewRequest(http.MethodGet, "/admin/me", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		w := httptest.NewRecorder()
		newRouter(v).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if body["user_id"] != "root" {
			t.Errorf("user_id = %q, want %q", body["user_id"], "root")
		}
		if got := w.Header().Get("X-User-Id"); got != "" {
			t.Errorf("X-User-Idがクライアントに返されています: %q", got)
		}
	})

	t.Run("Authorizationヘッダーが無い場合に401が返ること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodGet, "/admin/me", nil)
		w := httptest.NewRecorder()
		newRouter(newTestValidator(t)).ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if !strings.Contains(w.Body.String(), "AUTH_REQUIRED") {
			t.Errorf("body = %s, AUTH_REQUIREDを含むべき", w.Body.String())
		}
	})

	t.Run("期限切れトークンでTOKEN_EXPIREDが返ること", func(t *testing.T) {
		t.Parallel()

		raw := mustToken(t, testSecret, TokenRequest{Subject: "root", IssuedAt: fixedNow.Add(-48 * time.Hour)})
		req := httptest.NewRequest(http.MethodGet, "/admin/me", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		w := httptest.NewRecorder()
		newRouter(newTestValidator(t)).ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if !strings.Contains(w.Body.String(), "TOKEN_EXPIRED") {
			t.Errorf("body = %s, TOKEN_EXPIREDを含むべき", w.Body.String())
		}
	})

	t.Run("ロールが不足している場合に403が返ること", func(t *testing.T) {
		t.Parallel()

		raw := mustToken(t, testSecret, TokenRequest{Subject: "alice", Roles: []string{"STUDENT"}})
		req := httptest.NewRequest(http.MethodGet, "/admin/me", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		w := httptest.NewRecorder()
		newRouter(newTestValidator(t)).ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
	})
}

// TestUserHeaders はUserHeaders関数を検証する。
func TestUserHeaders(t *testing.T) {
	t.Parallel()

	h := UserHeaders(&AccessToken{Subject: "alice", Roles: []string{"STUDENT", "TA"}})
	if got := h.Get("X-User-Id"); got != "alice" {
		t.Errorf("X-User-Id = %q, want %q", got, "alice")
	}
	if got := h.Get("X-User-Role"); got != "STUDENT" {
		t.Errorf("X-User-Role = %q, want %q", got, "STUDENT")
	}
	if len(UserHeaders(nil)) != 0 {
		t.Error("nilトークンの場合は空のヘッダーであるべき")
	}
}
