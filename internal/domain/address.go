package domain

import (
	"net/mail"
	"strings"
)

// NormalizeEmail 规范化单个地址：去掉显示名、尖括号与空白，并转为小写。
func NormalizeEmail(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(strings.Trim(s, "<>")))
}

// SplitAddressList 拆分逗号或分号分隔的地址列表。
//
// 结果已规范化、去重，保留首次出现的顺序。
func SplitAddressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var parts []string
	if list, err := mail.ParseAddressList(strings.ReplaceAll(raw, ";", ",")); err == nil {
		for _, addr := range list {
			parts = append(parts, addr.Address)
		}
	} else {
		parts = strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' })
	}

	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		addr := NormalizeEmail(part)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// JoinAddressList 将地址列表合并为逗号分隔的字符串。
func JoinAddressList(addrs []string) string {
	return strings.Join(addrs, ", ")
}

// PrimaryAddress 返回列表中的第一个地址。
func PrimaryAddress(raw string) string {
	if list := SplitAddressList(raw); len(list) > 0 {
		return list[0]
	}
	return ""
}

// ResolveDirection 发件人是账户本身即为 sent，其余为 received。
func ResolveDirection(fromEmail, ownEmail string) Direction {
	own := NormalizeEmail(ownEmail)
	if own != "" && NormalizeEmail(fromEmail) == own {
		return DirectionSent
	}
	return DirectionReceived
}

// Counterparty 计算邮件相对于所属账户的"另一方"。
//
// 这是全系统唯一的往来方推导入口：入库归档、会话详情与回复/全部回复都调用它。
// received 取发件人；sent 取第一个收件人。direction 为空时按 ownEmail 推断。
// 无法得出时返回空字符串。
func Counterparty(m *Message, ownEmail string, direction Direction) string {
	if m == nil {
		return ""
	}
	if direction == "" {
		direction = ResolveDirection(m.FromEmail, ownEmail)
	}
	if direction == DirectionSent {
		return PrimaryAddress(m.ToEmail)
	}
	return NormalizeEmail(m.FromEmail)
}

// Participants 计算会话参与者集合：所有邮件 from/to/cc 的并集，排除账户自身地址。
//
// 不区分大小写、去重，按首次出现排序。
func Participants(ownEmail string, messages []*Message) []string {
	own := NormalizeEmail(ownEmail)
	seen := map[string]struct{}{}
	var out []string

	add := func(addr string) {
		if addr == "" || addr == own {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	for _, m := range messages {
		add(NormalizeEmail(m.FromEmail))
		for _, addr := range m.ToList() {
			add(addr)
		}
		for _, addr := range m.CCList() {
			add(addr)
		}
	}
	return out
}

// ExcludeAddresses 返回 addrs 中不属于 excluded 的地址（不区分大小写）。
func ExcludeAddresses(addrs []string, excluded ...string) []string {
	skip := make(map[string]struct{}, len(excluded))
	for _, e := range excluded {
		if n := NormalizeEmail(e); n != "" {
			skip[n] = struct{}{}
		}
	}

	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		n := NormalizeEmail(addr)
		if n == "" {
			continue
		}
		if _, ok := skip[n]; ok {
			continue
		}
		out = append(out, n)
	}
	return out
}
