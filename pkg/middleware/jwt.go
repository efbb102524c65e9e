package middleware

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// auth-serviceは単一の role を、他の発行元は roles 配列を発行するため両方を受け付ける。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID はsubが無いトークン向けの利用者識別子。
	UserID string `json:"user_id,omitempty"`
	// Role は単一のロール。
	Role string `json:"role,omitempty"`
	// Roles はロールの集合。
	Roles []string `json:"roles,omitempty"`
}

// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-Id"

// headerKeyUserRole はサービス間でロールを伝播するためのHTTPヘッダーキー。
const headerKeyUserRole = "X-User-Role"

// AuthErrorKind はトークン検証失敗の種類を表す。
type AuthErrorKind string

const (
	// AuthMissing はAuthorizationヘッダーが無いことを表す。
	AuthMissing AuthErrorKind = "missing"
	// AuthUnsigned は署名が無い、または署名を検証できないことを表す。
	AuthUnsigned AuthErrorKind = "unsigned"
	// AuthExpired は有効期限切れを表す。
	AuthExpired AuthErrorKind = "expired"
	// AuthNotYetValid はnbfより前に使用されたことを表す。
	AuthNotYetValid AuthErrorKind = "not_yet_valid"
	// AuthMalformed はトークン形式の不正を表す。
	AuthMalformed AuthErrorKind = "malformed"
	// AuthUnknownIssuer は許可されていない発行元を表す。
	AuthUnknownIssuer AuthErrorKind = "unknown_issuer"
)

// AuthError はトークン検証の失敗を表す。
type AuthError struct {
	// Kind は失敗の種類。
	Kind AuthErrorKind
	// Err は元になったエラー。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("トークン検証に失敗 (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("トークン検証に失敗 (%s)", e.Kind)
}

// Unwrap は元になったエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

func newAuthError(kind AuthErrorKind, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}

// AccessToken は検証済みトークンから取り出した資格情報。
// リクエスト単位で生成され、永続化されない。
type AccessToken struct {
	// Subject は利用者の識別子。レート制限のクライアントキーにも使用する。
	Subject string
	// Roles は利用者が持つロール。
	Roles []string
	// Issuer はトークンの発行元。
	Issuer string
	// IssuedAt は発行日時。
	IssuedAt time.Time
	// ExpiresAt は有効期限。
	ExpiresAt time.Time
	// SignatureValid は署名検証に成功したかどうか。
	SignatureValid bool
}

// HasRole は指定ロールを持つかどうかを大文字小文字を区別せずに判定する。
func (t *AccessToken) HasRole(role string) bool {
	for _, r := range t.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// PrimaryRole は下流サービスに伝播するロールを返す。
func (t *AccessToken) PrimaryRole() string {
	if len(t.Roles) == 0 {
		return ""
	}
	return t.Roles[0]
}

// KeySet はトークン検証に使用する鍵の集合。
// kidヘッダーで鍵を選択し、kidが無いトークンには空文字列のキーの鍵を使う。
type KeySet struct {
	// HMAC はHS256/HS384/HS512用の共通鍵。
	HMAC map[string][]byte
	// RSA はRS256/RS384/RS512用の公開鍵。
	RSA map[string]*rsa.PublicKey
}

// ValidatorConfig はTokenValidatorの設定。
type ValidatorConfig struct {
	// Keys は検証に使用する鍵。
	Keys KeySet
	// Issuers は許可する発行元。空の場合は発行元を検証しない。
	Issuers []string
	// Leeway は有効期限判定の許容誤差。
	Leeway time.Duration
	// CacheSize は検証済みトークンをキャッシュする件数。0以下でキャッシュしない。
	CacheSize int
	// CacheTTL はキャッシュの保持期間。
	CacheTTL time.Duration
	// Now は現在時刻を返す関数。nilの場合はtime.Nowを使う。
	Now func() time.Time
}

// TokenValidator はBearerトークンを検証し、AccessTokenを取り出す。
// 入力と鍵と時刻のみに依存し、副作用を持たない。
type TokenValidator struct {
	keys    KeySet
	issuers []string
	leeway  time.Duration
	methods []string
	now     func() time.Time
	cache   *expirable.LRU[string, AccessToken]
}

// NewTokenValidator は新しいTokenValidatorを生成する。
func NewTokenValidator(cfg ValidatorConfig) (*TokenValidator, error) {
	if len(cfg.Keys.HMAC) == 0 && len(cfg.Keys.RSA) == 0 {
		return nil, errors.New("トークン検証用の鍵が設定されていません")
	}

	var methods []string
	if len(cfg.Keys.HMAC) > 0 {
		methods = append(methods, "HS256", "HS384", "HS512")
	}
	if len(cfg.Keys.RSA) > 0 {
		methods = append(methods, "RS256", "RS384", "RS512")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	v := &TokenValidator{
		keys:    cfg.Keys,
		issuers: cfg.Issuers,
		leeway:  cfg.Leeway,
		methods: methods,
		now:     now,
	}
	if cfg.CacheSize > 0 {
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		v.cache = expirable.NewLRU[string, AccessToken](cfg.CacheSize, nil, ttl)
	}
	return v, nil
}

// ParseRSAPublicKey はPEM形式のRSA公開鍵を読み込む。
func ParseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("RSA公開鍵の読み込みに失敗: %w", err)
	}
	return key, nil
}

// Validate は生のトークン文字列を検証してAccessTokenを返す。
// 有効期限は署名より先に判定するため、期限切れのトークンは署名の正否にかかわらずAuthExpiredになる。
func (v *TokenValidator) Validate(raw string) (*AccessToken, error) {
	if raw == "" {
		return nil, newAuthError(AuthMalformed, errors.New("トークンが空です"))
	}
	now := v.now()

	if v.cache != nil {
		if cached, ok := v.cache.Get(raw); ok {
			if !now.Before(cached.ExpiresAt.Add(v.leeway)) {
				v.cache.Remove(raw)
				return nil, newAuthError(AuthExpired, nil)
			}
			tok := cached
			tok.Roles = slices.Clone(cached.Roles)
			return &tok, nil
		}
	}

	claims := &JWTClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, newAuthError(AuthMalformed, err)
	}

	if claims.ExpiresAt == nil {
		return nil, newAuthError(AuthMalformed, errors.New("expクレームがありません"))
	}
	if !now.Before(claims.ExpiresAt.Add(v.leeway)) {
		return nil, newAuthError(AuthExpired, nil)
	}
	if claims.NotBefore != nil && now.Add(v.leeway).Before(claims.NotBefore.Time) {
		return nil, newAuthError(AuthNotYetValid, nil)
	}

	parser := jwt.NewParser(jwt.WithValidMethods(v.methods), jwt.WithoutClaimsValidation())
	if _, err := parser.ParseWithClaims(raw, &JWTClaims{}, v.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, newAuthError(AuthMalformed, err)
		}
		return nil, newAuthError(AuthUnsigned, err)
	}

	if len(v.issuers) > 0 && !slices.Contains(v.issuers, claims.Issuer) {
		return nil, newAuthError(AuthUnknownIssuer, fmt.Errorf("発行元 %q は許可されていません", claims.Issuer))
	}

	subject := claims.Subject
	if subject == "" {
		subject = claims.UserID
	}
	if subject == "" {
		return nil, newAuthError(AuthMalformed, errors.New("subクレームがありません"))
	}

	tok := AccessToken{
		Subject:        subject,
		Roles:          collectRoles(claims),
		Issuer:         claims.Issuer,
		ExpiresAt:      claims.ExpiresAt.Time,
		SignatureValid: true,
	}
	if claims.IssuedAt != nil {
		tok.IssuedAt = claims.IssuedAt.Time
	}

	if v.cache != nil {
		v.cache.Add(raw, tok)
	}
	return &tok, nil
}

// keyFunc はトークンの署名方式とkidから検証鍵を選択する。
func (v *TokenValidator) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if key, ok := v.keys.HMAC[kid]; ok {
			return key, nil
		}
	case *jwt.SigningMethodRSA:
		if key, ok := v.keys.RSA[kid]; ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("kid=%q に対応する鍵がありません", kid)
}

// collectRoles はrolesとroleクレームを重複なく結合する。
func collectRoles(claims *JWTClaims) []string {
	roles := make([]string, 0, len(claims.Roles)+1)
	if claims.Role != "" {
		roles = append(roles, claims.Role)
	}
	for _, r := range claims.Roles {
		if r == "" || slices.ContainsFunc(roles, func(have string) bool { return strings.EqualFold(have, r) }) {
			continue
		}
		roles = append(roles, r)
	}
	return roles
}

// TokenRequest はGenerateJWTで発行するトークンの内容。
type TokenRequest struct {
	// Subject は利用者の識別子。
	Subject string
	// Roles は付与するロール。先頭のロールはroleクレームにも設定する。
	Roles []string
	// Issuer は発行元。
	Issuer string
	// KeyID はkidヘッダーの値。空の場合は付与しない。
	KeyID string
	// IssuedAt は発行日時。ゼロ値の場合は現在時刻。
	IssuedAt time.Time
	// TTL は有効期間。0以下の場合は24時間。
	TTL time.Duration
	// NotBefore はnbfクレーム。ゼロ値の場合は付与しない。
	NotBefore time.Time
}

// GenerateJWT はHS256で署名したJWTトークンを生成する。
// 開発用CLIとテストで使用する。本番のトークンはauth-serviceが発行する。
func GenerateJWT(secret string, req TokenRequest) (string, error) {
	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Subject,
			Issuer:    req.Issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		Roles: req.Roles,
	}
	if len(req.Roles) > 0 {
		claims.Role = req.Roles[0]
	}
	if !req.NotBefore.IsZero() {
		claims.NotBefore = jwt.NewNumericDate(req.NotBefore)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if req.KeyID != "" {
		token.Header["kid"] = req.KeyID
	}
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// BearerToken はAuthorizationヘッダーの値からBearerトークンを取り出す。
func BearerToken(authHeader string) (string, bool) {
	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// ValidateHeader はAuthorizationヘッダーの値からBearerトークンを取り出して検証する。
// ヘッダーが空の場合はAuthMissing、Bearer形式でない場合はAuthMalformedになる。
func (v *TokenValidator) ValidateHeader(authHeader string) (*AccessToken, error) {
	if authHeader == "" {
		return nil, newAuthError(AuthMissing, nil)
	}
	raw, ok := BearerToken(authHeader)
	if !ok {
		return nil, newAuthError(AuthMalformed, errors.New("Bearer形式ではありません"))
	}
	return v.Validate(raw)
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "roles" を設定する。
func JWTAuth(validator *TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, err := validator.ValidateHeader(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": AuthErrorMessage(err),
				"code":  AuthErrorCode(err),
			})
			return
		}

		c.Set("user_id", tok.Subject)
		c.Set("roles", tok.Roles)
		c.Next()
	}
}

// RequireRole は指定ロールを持たない利用者を403で拒否するGinミドルウェアを返す。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := &AccessToken{Roles: GetRoles(c)}
		if !tok.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "権限が不足しています",
				"code":  "INSUFFICIENT_ROLE",
			})
			return
		}
		c.Next()
	}
}

// AuthErrorCode は検証エラーを機械可読なエラーコードに変換する。
func AuthErrorCode(err error) string {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return "TOKEN_INVALID"
	}
	switch authErr.Kind {
	case AuthMissing:
		return "AUTH_REQUIRED"
	case AuthExpired:
		return "TOKEN_EXPIRED"
	case AuthNotYetValid:
		return "TOKEN_NOT_YET_VALID"
	case AuthMalformed:
		return "TOKEN_MALFORMED"
	case AuthUnknownIssuer:
		return "TOKEN_UNKNOWN_ISSUER"
	case AuthUnsigned:
		return "TOKEN_SIGNATURE_INVALID"
	default:
		return "TOKEN_INVALID"
	}
}

// AuthErrorMessage は検証エラーをクライアント向けのメッセージに変換する。
func AuthErrorMessage(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		switch authErr.Kind {
		case AuthMissing:
			return "Authorizationヘッダーが必要です"
		case AuthExpired:
			return "トークンの有効期限が切れています"
		}
	}
	return "トークンが無効です"
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetRoles はGinコンテキストからロールを取得する。
func GetRoles(c *gin.Context) []string {
	roles, _ := c.Get("roles")
	if r, ok := roles.([]string); ok {
		return r
	}
	return nil
}

// UserHeaders は下流サービスに伝播する利用者ヘッダーを返す。
func UserHeaders(tok *AccessToken) http.Header {
	h := http.Header{}
	if tok == nil {
		return h
	}
	h.Set(headerKeyUserID, tok.Subject)
	if role := tok.PrimaryRole(); role != "" {
		h.Set(headerKeyUserRole, role)
	}
	return h
}
