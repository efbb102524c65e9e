package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/unigate/pkg/middleware"
)

// tokenOptions はtokenコマンドのフラグ。
type tokenOptions struct {
	subject string
	roles   []string
	issuer  string
	keyID   string
	ttl     time.Duration
}

// newTokenCmd は開発用のアクセストークンを発行するコマンドを生成する。
// 署名鍵は設定のauth.jwt_secret（JWT_SECRET）を使う。
func newTokenCmd(opts *rootOptions) *cobra.Command {
	topts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "開発用のアクセストークンを発行する",
		Example: `  unigate token --sub student-1 --role STUDENT
  unigate token --sub admin --role ADMIN --ttl 1h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, nil)
			if err != nil {
				return err
			}
			secret := cfg.Auth.JWTSecret
			if topts.keyID != "" {
				secret = cfg.Auth.HMACKeys[topts.keyID]
			}
			if secret == "" {
				return fmt.Errorf("kid %q の署名鍵が設定されていません", topts.keyID)
			}
			token, err := issueToken(secret, topts, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&topts.subject, "sub", "", "利用者の識別子（必須）")
	cmd.Flags().StringSliceVar(&topts.roles, "role", nil, "付与するロール（複数指定可）")
	cmd.Flags().StringVar(&topts.issuer, "iss", "", "発行元")
	cmd.Flags().StringVar(&topts.keyID, "kid", "", "署名鍵のkid")
	cmd.Flags().DurationVar(&topts.ttl, "ttl", 24*time.Hour, "有効期間")
	return cmd
}

// issueToken はフラグの内容でトークンを発行する。
func issueToken(secret string, opts *tokenOptions, now time.Time) (string, error) {
	if strings.TrimSpace(opts.subject) == "" {
		return "", errors.New("--sub は必須です")
	}
	roles := make([]string, 0, len(opts.roles))
	for _, r := range opts.roles {
		if r = strings.ToUpper(strings.TrimSpace(r)); r != "" {
			roles = append(roles, r)
		}
	}
	return middleware.GenerateJWT(secret, middleware.TokenRequest{
		Subject:  opts.subject,
		Roles:    roles,
		Issuer:   opts.issuer,
		KeyID:    opts.keyID,
		IssuedAt: now,
		TTL:      opts.ttl,
	})
}
