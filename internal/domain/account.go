package domain

import "time"

// Account 表示一个已接入的邮箱身份（IMAP/OAuth 凭据由同步服务持有）。
//
// 账户级未读数不落库，始终由消息行重新统计得出。
type Account struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email       string    `json:"email" gorm:"type:varchar(320);uniqueIndex;not null"`
	DisplayName string    `json:"displayName" gorm:"type:varchar(255)"`
	CreatedAt   time.Time `json:"createdAt"`
}

// OwnsAddress 判断地址是否属于该账户本身。
func (a *Account) OwnsAddress(addr string) bool {
	return a != nil && NormalizeEmail(addr) == NormalizeEmail(a.Email)
}
