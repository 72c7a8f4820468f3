package domain

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// RFC 5321/5322 长度限制
const (
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

// 域名需至少包含一个点，每个标签以字母数字开头结尾
var domainRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)

// ValidateAddress 验证单个外部邮箱地址（收件人、抄送人、接入账户）。
func ValidateAddress(raw string) error {
	email := strings.TrimSpace(raw)
	if email == "" {
		return ErrInvalidEmail
	}
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEmail, email)
	}

	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return fmt.Errorf("%w: %s", ErrInvalidEmail, email)
	}

	local, domainPart := addr.Address[:at], strings.ToLower(addr.Address[at+1:])
	if len(local) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}
	if len(domainPart) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domainPart) {
		return fmt.Errorf("%w: %s", ErrInvalidDomain, domainPart)
	}
	return nil
}

// ValidateAddressList 验证地址列表，返回规范化后的地址。
//
// 空列表合法，由调用方决定是否必须有收件人。
func ValidateAddressList(raw string) ([]string, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	for _, field := range fields {
		if strings.TrimSpace(field) == "" {
			continue
		}
		if err := ValidateAddress(field); err != nil {
			return nil, err
		}
	}
	return SplitAddressList(raw), nil
}
