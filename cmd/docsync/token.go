package main

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:     "token",
	GroupID: "backend",
	Short:   "Mint a bearer token for a local backend",
	Long: `Print an HS256 token signed with the backend's auth secret. Pass it to
other commands with --auth-token or DOCSYNC_AUTH_TOKEN.

Examples:
  docsync token --uid alice --secret s3cret
  docsync token --uid alice --expires "in 2 hours"
  export DOCSYNC_AUTH_TOKEN=$(docsync token --uid alice)`,
	Run: func(cmd *cobra.Command, args []string) {
		uid, _ := cmd.Flags().GetString("uid")
		secret, _ := cmd.Flags().GetString("secret")
		expires, _ := cmd.Flags().GetString("expires")
		if secret == "" {
			secret = cfg.Emulator.AuthSecret
		}
		if secret == "" {
			fatalf("no secret: pass --secret or set emulator.auth_secret")
		}
		token, err := mintToken(uid, []byte(secret), expires, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println(token)
	},
}

// mintToken signs a token for uid that expires at the time expires
// describes, or never when expires is empty.
func mintToken(uid string, secret []byte, expires string, now time.Time) (string, error) {
	if uid == "" {
		return "", fmt.Errorf("--uid must not be empty")
	}
	claims := gojwt.MapClaims{
		"sub":     uid,
		"user_id": uid,
		"iat":     now.Unix(),
	}
	if expires != "" {
		exp, err := parseTime(expires, now)
		if err != nil {
			return "", err
		}
		if !exp.After(now) {
			return "", fmt.Errorf("expiry %s is in the past", exp.Format(time.RFC3339))
		}
		claims["exp"] = exp.Unix()
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func init() {
	tokenCmd.Flags().String("uid", "", "User id carried in the token")
	tokenCmd.Flags().String("secret", "", "HS256 secret (default: emulator.auth_secret)")
	tokenCmd.Flags().String("expires", "in 1 hour", "Expiry time, RFC 3339 or English; empty for none")
	rootCmd.AddCommand(tokenCmd)
}
