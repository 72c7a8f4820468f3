package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	jwtpkg "crmmail/backend/internal/auth/jwt"
	"crmmail/backend/internal/config"
)

// main 为 CRM 会话签发可访问指定邮箱账户的访问令牌
func main() {
	_ = godotenv.Load()

	subject := flag.String("subject", "", "令牌主体（CRM 用户标识）")
	accounts := flag.String("accounts", "", "可访问的账户 ID，逗号分隔")
	expiry := flag.Duration("expiry", 0, "有效期，默认使用配置中的 access_expiry")
	flag.Parse()

	accountIDs := splitAccounts(*accounts)
	if *subject == "" || len(accountIDs) == 0 {
		fmt.Println("Usage: token -subject=<user> -accounts=<acc-1,acc-2> [-expiry=12h]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ttl := cfg.JWT.AccessExpiry
	if *expiry > 0 {
		ttl = *expiry
	}

	manager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, ttl)
	token, expiresAt, err := manager.Issue(*subject, accountIDs)
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Subject:    %s\n", *subject)
	fmt.Printf("Accounts:   %s\n", strings.Join(accountIDs, ", "))
	fmt.Printf("Expires at: %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println(token)
}

// splitAccounts 拆分并去重账户 ID 列表
func splitAccounts(raw string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
