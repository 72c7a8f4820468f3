package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFolderTab(t *testing.T) {
	tab, err := ParseFolderTab("")
	require.NoError(t, err)
	assert.Equal(t, TabInbox, tab)

	tab, err = ParseFolderTab(" SPAM ")
	require.NoError(t, err)
	assert.Equal(t, TabSpam, tab)

	_, err = ParseFolderTab("archive")
	assert.ErrorIs(t, err, ErrInvalidTab)
}

func TestFolderTabFilters(t *testing.T) {
	received := &Message{Direction: DirectionReceived}
	sent := &Message{Direction: DirectionSent}
	spam := &Message{Direction: DirectionReceived, IsSpam: true}
	trash := &Message{Direction: DirectionSent, IsTrash: true}

	t.Run("inbox 排除垃圾与回收站", func(t *testing.T) {
		assert.True(t, TabInbox.ShowsInThread(received))
		assert.True(t, TabInbox.ShowsInThread(sent))
		assert.False(t, TabInbox.ShowsInThread(spam))
		assert.False(t, TabInbox.ShowsInThread(trash))
	})

	t.Run("sent 只含发出的邮件", func(t *testing.T) {
		assert.False(t, TabSent.ShowsInThread(received))
		assert.True(t, TabSent.ShowsInThread(sent))
		assert.False(t, TabSent.ShowsInThread(trash))
	})

	t.Run("spam 与 trash 的会话详情不过滤", func(t *testing.T) {
		for _, m := range []*Message{received, sent, spam, trash} {
			assert.True(t, TabSpam.ShowsInThread(m))
			assert.True(t, TabTrash.ShowsInThread(m))
		}
	})

	t.Run("spam 与 trash 的会话列表只看被标记的邮件", func(t *testing.T) {
		assert.True(t, TabSpam.ListsConversation(spam))
		assert.False(t, TabSpam.ListsConversation(received))
		assert.True(t, TabTrash.ListsConversation(trash))
		assert.False(t, TabTrash.ListsConversation(spam))
	})
}

func TestDedupKeyFor(t *testing.T) {
	sentAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("稳定 ID 不区分大小写与尖括号", func(t *testing.T) {
		a := DedupKeyFor("acc", "<ABC@mail.x.com>", sentAt, "a@x.com", "hi")
		b := DedupKeyFor("acc", "abc@mail.x.com", sentAt.Add(time.Hour), "other@x.com", "other")
		assert.Equal(t, a, b)
		assert.Equal(t, "sid:abc@mail.x.com", a)
	})

	t.Run("无稳定 ID 时使用元组摘要", func(t *testing.T) {
		a := DedupKeyFor("acc", "", sentAt, "A@x.com", "hi")
		b := DedupKeyFor("acc", "", sentAt.In(time.FixedZone("CST", 8*3600)), "a@x.com", "hi")
		c := DedupKeyFor("acc", "", sentAt, "a@x.com", "hi again")
		assert.Equal(t, a, b)
		assert.NotEqual(t, a, c)
		assert.Contains(t, a, "tuple:")
	})

	t.Run("元组摘要只精确到秒", func(t *testing.T) {
		polled := DedupKeyFor("acc", "", sentAt, "a@x.com", "hi")
		pushed := DedupKeyFor("acc", "", sentAt.Add(734*time.Millisecond), "a@x.com", "hi")
		nextSecond := DedupKeyFor("acc", "", sentAt.Add(time.Second), "a@x.com", "hi")
		assert.Equal(t, polled, pushed)
		assert.NotEqual(t, polled, nextSecond)
	})

	t.Run("超长稳定 ID 取摘要", func(t *testing.T) {
		long := make([]byte, 400)
		for i := range long {
			long[i] = 'a'
		}
		key := DedupKeyFor("acc", string(long), sentAt, "", "")
		assert.LessOrEqual(t, len(key), 300)
		assert.Contains(t, key, "sid#")
	})
}

func TestFolderFlags(t *testing.T) {
	isTrash, isSpam := FolderFlags("[Gmail]/Trash")
	assert.True(t, isTrash)
	assert.False(t, isSpam)

	isTrash, isSpam = FolderFlags("Junk E-mail")
	assert.False(t, isTrash)
	assert.True(t, isSpam)

	isTrash, isSpam = FolderFlags("INBOX")
	assert.False(t, isTrash)
	assert.False(t, isSpam)
}
