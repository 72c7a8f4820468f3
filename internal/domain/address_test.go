package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeEmail("  Alice@Example.COM "))
	assert.Equal(t, "alice@example.com", NormalizeEmail("Alice Smith <ALICE@example.com>"))
	assert.Equal(t, "alice@example.com", NormalizeEmail("<alice@example.com>"))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestSplitAddressList(t *testing.T) {
	t.Run("逗号与分号混用", func(t *testing.T) {
		got := SplitAddressList("a@x.com; B@x.com, c@x.com")
		assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, got)
	})

	t.Run("大小写不同视为同一地址", func(t *testing.T) {
		got := SplitAddressList("A@x.com, a@X.com")
		assert.Equal(t, []string{"a@x.com"}, got)
	})

	t.Run("带显示名", func(t *testing.T) {
		got := SplitAddressList(`"Bob" <bob@x.com>, carol@x.com`)
		assert.Equal(t, []string{"bob@x.com", "carol@x.com"}, got)
	})

	t.Run("空字符串", func(t *testing.T) {
		assert.Nil(t, SplitAddressList(""))
	})
}

func TestCounterparty(t *testing.T) {
	own := "me@y.com"

	t.Run("收到的邮件取发件人", func(t *testing.T) {
		m := &Message{FromEmail: "A@X.com", ToEmail: own}
		assert.Equal(t, "a@x.com", Counterparty(m, own, DirectionReceived))
	})

	t.Run("发出的邮件取第一个收件人", func(t *testing.T) {
		m := &Message{FromEmail: own, ToEmail: "b@x.com, c@x.com"}
		assert.Equal(t, "b@x.com", Counterparty(m, own, DirectionSent))
	})

	t.Run("方向为空时按账户地址推断", func(t *testing.T) {
		sent := &Message{FromEmail: "ME@y.com", ToEmail: "b@x.com"}
		assert.Equal(t, "b@x.com", Counterparty(sent, own, ""))

		received := &Message{FromEmail: "a@x.com", ToEmail: own}
		assert.Equal(t, "a@x.com", Counterparty(received, own, ""))
	})

	t.Run("缺少地址返回空", func(t *testing.T) {
		assert.Equal(t, "", Counterparty(&Message{ToEmail: own}, own, DirectionReceived))
		assert.Equal(t, "", Counterparty(&Message{FromEmail: own}, own, DirectionSent))
		assert.Equal(t, "", Counterparty(nil, own, DirectionSent))
	})
}

func TestParticipants(t *testing.T) {
	messages := []*Message{
		{FromEmail: "a@x.com", ToEmail: "Me@y.com", CCEmail: "b@x.com, c@x.com"},
		{FromEmail: "me@y.com", ToEmail: "a@x.com", CCEmail: "B@x.com, d@x.com"},
	}

	got := Participants("me@y.com", messages)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"}, got)
}

func TestExcludeAddresses(t *testing.T) {
	got := ExcludeAddresses([]string{"a@x.com", "B@x.com", "me@y.com", ""}, "ME@y.com", "b@x.com")
	assert.Equal(t, []string{"a@x.com"}, got)
}

func TestResolveDirection(t *testing.T) {
	assert.Equal(t, DirectionSent, ResolveDirection("Me <me@y.com>", "me@y.com"))
	assert.Equal(t, DirectionReceived, ResolveDirection("a@x.com", "me@y.com"))
	assert.Equal(t, DirectionReceived, ResolveDirection("a@x.com", ""))
}
